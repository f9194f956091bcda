package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/guardrail"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// LLMCall is the first-iteration provider call an input-guardrail pipeline
// races against.
type LLMCall func(ctx context.Context) (provider.ChatResponse, error)

type llmOutcome struct {
	resp provider.ChatResponse
	err  error
}

type guardrailVerdict struct {
	tripErr  *entity.RunError
	checkErr error
}

// runInputGuardrails implements spec §4.1b: sequential guardrails
// (run_in_parallel=false) run to completion before the first LLM call, any
// trip aborting before the LLM is consulted; parallel guardrails (the
// default) race against the LLM call itself, discarding its result on trip.
func runInputGuardrails(ctx context.Context, agentName string, messages []entity.Message, checks []guardrail.InputGuardrailCheck, call LLMCall) (provider.ChatResponse, error) {
	var sequential, parallel []guardrail.InputGuardrailCheck
	for _, c := range checks {
		if c.RunInParallel() {
			parallel = append(parallel, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	for _, c := range sequential {
		out, err := c.Check(ctx, agentName, messages)
		if err != nil {
			return provider.ChatResponse{}, entity.NewRunError(entity.ErrKindAgent, "guardrail check failed", fmt.Errorf("%s: %w", c.Name(), err))
		}
		if out.TripwireTriggered {
			return provider.ChatResponse{}, entity.NewGuardrailError(entity.ErrKindInputGuardrailTriggered, c.Name(), out.OutputInfo)
		}
	}

	if len(parallel) == 0 {
		return call(ctx)
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	llmCh := make(chan llmOutcome, 1)
	go func() {
		resp, err := call(gctx)
		llmCh <- llmOutcome{resp: resp, err: err}
	}()

	verdicts := make(chan guardrailVerdict, len(parallel))
	for _, c := range parallel {
		c := c
		go func() {
			out, err := c.Check(gctx, agentName, messages)
			if err != nil {
				verdicts <- guardrailVerdict{checkErr: fmt.Errorf("%s: %w", c.Name(), err)}
				return
			}
			if out.TripwireTriggered {
				verdicts <- guardrailVerdict{tripErr: entity.NewGuardrailError(entity.ErrKindInputGuardrailTriggered, c.Name(), out.OutputInfo)}
				return
			}
			verdicts <- guardrailVerdict{}
		}()
	}

	received := 0
	for received < len(parallel) {
		select {
		case v := <-verdicts:
			received++
			if v.tripErr != nil {
				cancel()
				return provider.ChatResponse{}, v.tripErr
			}
			if v.checkErr != nil {
				cancel()
				return provider.ChatResponse{}, entity.NewRunError(entity.ErrKindAgent, "guardrail check failed", v.checkErr)
			}
		case res := <-llmCh:
			// The LLM finished before every guardrail reported in. Its
			// result can only be trusted once the remaining guardrails
			// have also cleared — drain them before returning.
			for received < len(parallel) {
				v := <-verdicts
				received++
				if v.tripErr != nil {
					return provider.ChatResponse{}, v.tripErr
				}
				if v.checkErr != nil {
					return provider.ChatResponse{}, entity.NewRunError(entity.ErrKindAgent, "guardrail check failed", v.checkErr)
				}
			}
			return res.resp, res.err
		}
	}

	res := <-llmCh
	return res.resp, res.err
}

// runOutputGuardrails implements spec §4.1b's output-guardrail phase: all
// checks run concurrently after FinalOutput, all must complete, and any
// trip converts the result into an OutputGuardrailTriggered error.
func runOutputGuardrails(ctx context.Context, agentName, output string, checks []guardrail.OutputGuardrailCheck) error {
	if len(checks) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	tripped := make([]*entity.RunError, len(checks))
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			out, err := c.Check(gctx, agentName, output)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			if out.TripwireTriggered {
				tripped[i] = entity.NewGuardrailError(entity.ErrKindOutputGuardrailTriggered, c.Name(), out.OutputInfo)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entity.NewRunError(entity.ErrKindAgent, "guardrail check failed", err)
	}
	for _, t := range tripped {
		if t != nil {
			return t
		}
	}
	return nil
}
