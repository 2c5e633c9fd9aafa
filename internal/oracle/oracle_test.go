package oracle

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeNode(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake node CLI requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "poic_node")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

func TestFindPayment(t *testing.T) {
	bin := writeFakeNode(t, `echo '{"txid":"tx1","amount":500,"to":"genesis-pay-addr"}'`)
	c := New(bin, 5*time.Second)

	p, err := c.FindPayment(context.Background(), "somememo", 1)
	require.NoError(t, err)
	assert.Equal(t, "tx1", p.Txid)
	assert.Equal(t, int64(500), p.Amount)
	assert.Equal(t, "genesis-pay-addr", p.To)
}

func TestFindPaymentNoMatch(t *testing.T) {
	bin := writeFakeNode(t, `echo '{}'`)
	c := New(bin, 5*time.Second)

	_, err := c.FindPayment(context.Background(), "somememo", 1)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestFindPaymentCLIFailure(t *testing.T) {
	bin := writeFakeNode(t, `echo 'node not running' >&2; exit 1`)
	c := New(bin, 5*time.Second)

	_, err := c.FindPayment(context.Background(), "somememo", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
}

func TestFindPaymentGarbageOutput(t *testing.T) {
	bin := writeFakeNode(t, `echo 'not json'`)
	c := New(bin, 5*time.Second)

	_, err := c.FindPayment(context.Background(), "somememo", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
}

func TestFindPaymentTimeout(t *testing.T) {
	bin := writeFakeNode(t, `sleep 5`)
	c := New(bin, 100*time.Millisecond)

	start := time.Now()
	_, err := c.FindPayment(context.Background(), "somememo", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendAnchor(t *testing.T) {
	bin := writeFakeNode(t, `echo '{"txid":"anchor1"}'`)
	c := New(bin, 5*time.Second)

	err := c.SendAnchor(context.Background(), "genesis-pay-addr", 1, "lic1|1")
	assert.NoError(t, err)
}

func TestSendAnchorFailure(t *testing.T) {
	bin := writeFakeNode(t, `exit 1`)
	c := New(bin, 5*time.Second)

	err := c.SendAnchor(context.Background(), "genesis-pay-addr", 1, "lic1|1")
	assert.Error(t, err)
}
