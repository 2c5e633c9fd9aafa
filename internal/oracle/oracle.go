// Package oracle wraps the payment-chain CLI. The node binary is the only
// source of truth for whether a memo-tagged transfer has landed on chain.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoMatch = errors.New("no matching payment")
)

// Payment describes a confirmed on-chain transfer reported by the node.
type Payment struct {
	Txid   string `json:"txid"`
	Amount int64  `json:"amount"`
	To     string `json:"to"`
}

// New returns a CLI oracle invoking the node binary at binPath. Every call
// is bounded by timeout.
func New(binPath string, timeout time.Duration) *CLI {
	return &CLI{
		bin:     binPath,
		timeout: timeout,
	}
}

type CLI struct {
	bin     string
	timeout time.Duration
}

// FindPayment asks the node for a transfer carrying memo with at least
// minConf confirmations. ErrNoMatch means no such transfer exists yet;
// any other error (including a timeout) is inconclusive, never a negative.
func (c *CLI) FindPayment(ctx context.Context, memo string, minConf int) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, "find-memo", memo, "--minconf", strconv.Itoa(minConf))
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("find-memo: %w: %s", err, out.String())
	}

	var p Payment
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &p); err != nil {
		return nil, fmt.Errorf("find-memo decode: %w", err)
	}
	if p.Txid == "" {
		return nil, ErrNoMatch
	}

	return &p, nil
}

// SendAnchor issues a minimal transfer to addr carrying memo. Used as a
// best-effort audit trail of consumption events.
func (c *CLI) SendAnchor(ctx context.Context, addr string, amount int64, memo string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, "sendto", addr, strconv.FormatInt(amount, 10), "--memo", memo)
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sendto: %w: %s", err, out.String())
	}

	return nil
}
