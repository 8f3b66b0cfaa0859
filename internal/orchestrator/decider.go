package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/pusher"
)

// Decision answers a failed push that needs a user action.
type Decision string

const (
	DecisionSkip  Decision = "skip"
	DecisionForce Decision = "force"
	DecisionStop  Decision = "stop"
)

// ParseDecision accepts skip, force and stop.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionSkip, DecisionForce, DecisionStop:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q (want skip, force or stop)", s)
	}
}

// PendingDecision describes a failed push waiting for an answer.
type PendingDecision struct {
	RunID       string            `json:"run_id"`
	Target      string            `json:"target"`
	Title       string            `json:"title"`
	TargetTitle string            `json:"target_title"`
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	Action      pusher.UserAction `json:"action"`
}

// CanForce reports whether forcing can make the push succeed.
func (p PendingDecision) CanForce() bool {
	return p.Action == pusher.ActionForce
}

// Decider answers pending decisions. Calls are serialized.
type Decider interface {
	Decide(ctx context.Context, pending PendingDecision) (Decision, error)
}

// Policy answers every pending decision the same way.
type Policy Decision

func (p Policy) Decide(context.Context, PendingDecision) (Decision, error) {
	return Decision(p), nil
}

// ChannelDecider publishes pending decisions on a channel and waits for
// Resolve to answer them.
type ChannelDecider struct {
	pending chan PendingDecision
	answers chan Decision
}

func NewChannelDecider() *ChannelDecider {
	return &ChannelDecider{
		pending: make(chan PendingDecision),
		answers: make(chan Decision, 1),
	}
}

// Pending returns the channel pending decisions are published on.
func (c *ChannelDecider) Pending() <-chan PendingDecision {
	return c.pending
}

// Resolve answers the decision last received from Pending.
func (c *ChannelDecider) Resolve(d Decision) error {
	select {
	case c.answers <- d:
		return nil
	default:
		return errors.New("a decision is already waiting to be consumed")
	}
}

func (c *ChannelDecider) Decide(ctx context.Context, pending PendingDecision) (Decision, error) {
	select {
	case c.pending <- pending:
	case <-ctx.Done():
		return DecisionStop, ctx.Err()
	}
	select {
	case d := <-c.answers:
		return d, nil
	case <-ctx.Done():
		return DecisionStop, ctx.Err()
	}
}

// PromptDecider asks on out and reads s, f or q from in.
type PromptDecider struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPromptDecider(in io.Reader, out io.Writer) *PromptDecider {
	return &PromptDecider{in: bufio.NewReader(in), out: out}
}

func (p *PromptDecider) Decide(ctx context.Context, pending PendingDecision) (Decision, error) {
	fmt.Fprintf(p.out, "Push of %s to %s failed: %s\n", pending.Title, pending.Target, pending.Message)
	for {
		if err := ctx.Err(); err != nil {
			return DecisionStop, err
		}
		if pending.CanForce() {
			fmt.Fprint(p.out, "[s]kip, [f]orce, [q]uit? ")
		} else {
			fmt.Fprint(p.out, "[s]kip, [q]uit? ")
		}

		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch {
		case answer == "s" || answer == "skip":
			return DecisionSkip, nil
		case (answer == "f" || answer == "force") && pending.CanForce():
			return DecisionForce, nil
		case answer == "q" || answer == "quit":
			return DecisionStop, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return DecisionStop, nil
			}
			return DecisionStop, err
		}
	}
}
