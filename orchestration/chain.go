package orchestration

import (
	"context"
	"time"

	"github.com/dimensigon/aishell/core"
)

// LinkErrorPolicy selects what a link failure does to the chain.
type LinkErrorPolicy string

const (
	// LinkHalt stops the chain; the chain result carries the error.
	LinkHalt LinkErrorPolicy = "halt"
	// LinkSkip passes the link's input through unchanged and
	// continues.
	LinkSkip LinkErrorPolicy = "skip"
)

// ChainLink is one stage of a sequential pipeline. Transform runs
// before Invoke, Validate after; When short-circuits the link when it
// returns false.
type ChainLink struct {
	Name string

	// When skips the link (input passes through) when it returns
	// false. Nil means always run.
	When func(input interface{}) bool

	// Transform is a pure input adapter applied before Invoke.
	Transform func(input interface{}) (interface{}, error)

	// Invoke does the link's work.
	Invoke func(ctx context.Context, input interface{}) (interface{}, error)

	// Validate inspects the output; an error is handled per OnError.
	Validate func(output interface{}) error

	// OnError defaults to LinkHalt.
	OnError LinkErrorPolicy
}

// LinkStatus records how a link resolved.
type LinkStatus string

const (
	LinkSucceeded    LinkStatus = "succeeded"
	LinkFailed       LinkStatus = "failed"
	LinkSkippedOver  LinkStatus = "skipped"
	LinkShortCircuit LinkStatus = "short_circuited"
)

// LinkRecord is one link's outcome.
type LinkRecord struct {
	Name     string
	Status   LinkStatus
	Err      error
	Duration time.Duration
}

// ChainResult is a finished pipeline run.
type ChainResult struct {
	Final interface{}
	Links []LinkRecord
	// Err is set when the chain halted early.
	Err error
}

// AgentChain is a sequential pipeline where each link consumes the
// previous link's output.
type AgentChain struct {
	name   string
	links  []ChainLink
	logger core.Logger
}

// NewAgentChain creates a named chain.
func NewAgentChain(name string, logger core.Logger) *AgentChain {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/orchestration")
	}
	return &AgentChain{name: name, logger: logger}
}

// Add appends a link and returns the chain for building fluently.
func (c *AgentChain) Add(link ChainLink) *AgentChain {
	c.links = append(c.links, link)
	return c
}

// Len returns the number of links.
func (c *AgentChain) Len() int { return len(c.links) }

// Execute runs the pipeline. Each link sees the previous link's output
// as its input; the final value and per-link records are returned even
// when the chain halts early.
func (c *AgentChain) Execute(ctx context.Context, initialInput interface{}) *ChainResult {
	result := &ChainResult{Final: initialInput}
	value := initialInput

	for i := range c.links {
		link := &c.links[i]
		record := LinkRecord{Name: link.Name}
		start := time.Now()

		if err := ctx.Err(); err != nil {
			record.Status = LinkFailed
			record.Err = core.NewError("chain "+c.name, core.KindCancelled, err)
			result.Links = append(result.Links, record)
			result.Err = record.Err
			return result
		}

		if link.When != nil && !link.When(value) {
			record.Status = LinkShortCircuit
			record.Duration = time.Since(start)
			result.Links = append(result.Links, record)
			continue
		}

		output, err := c.runLink(ctx, link, value)
		record.Duration = time.Since(start)

		if err != nil {
			record.Err = err
			policy := link.OnError
			if policy == "" {
				policy = LinkHalt
			}
			if policy == LinkSkip {
				record.Status = LinkSkippedOver
				result.Links = append(result.Links, record)
				c.logger.WarnWithContext(ctx, "Chain link skipped after error", map[string]interface{}{
					"chain": c.name,
					"link":  link.Name,
					"error": err.Error(),
				})
				continue
			}
			record.Status = LinkFailed
			result.Links = append(result.Links, record)
			result.Err = err
			result.Final = value
			return result
		}

		record.Status = LinkSucceeded
		result.Links = append(result.Links, record)
		value = output
	}

	result.Final = value
	return result
}

func (c *AgentChain) runLink(ctx context.Context, link *ChainLink, input interface{}) (interface{}, error) {
	if link.Transform != nil {
		transformed, err := link.Transform(input)
		if err != nil {
			return nil, core.NewError("chain link "+link.Name, core.KindSchemaViolation, err)
		}
		input = transformed
	}

	output := input
	if link.Invoke != nil {
		var err error
		output, err = link.Invoke(ctx, input)
		if err != nil {
			return nil, err
		}
	}

	if link.Validate != nil {
		if err := link.Validate(output); err != nil {
			return nil, core.NewError("chain link "+link.Name, core.KindValidationFailed, err)
		}
	}

	return output, nil
}
