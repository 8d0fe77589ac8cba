package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/pkg/models"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		BackoffFactor:   1.0,
		MaxInterval:     time.Millisecond,
	}
}

func commentSchema() schema.Document {
	return schema.Document{
		"type": "object",
		"properties": map[string]any{
			"ticket_id": map[string]any{"type": "number"},
			"body":      map[string]any{"type": "string"},
		},
		"required": []any{"ticket_id", "body"},
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := Func{Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}}

	require.NoError(t, reg.Register("tickets.add_comment", 1, h))
	assert.Error(t, reg.Register("tickets.add_comment", 1, h), "duplicate registration is rejected")

	_, err := reg.Lookup("tickets.add_comment", 1)
	assert.NoError(t, err)

	_, err = reg.Lookup("tickets.add_comment", 2)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInvokerValidatesInput(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("tickets.add_comment", 1, Func{
		Schema: commentSchema(),
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"comment_id": 7}, nil
		},
	}))
	inv := NewInvoker(reg, fastPolicy(), nil)

	_, attempts, err := inv.Invoke(context.Background(), "tickets.add_comment", 1, map[string]any{
		"body": "missing ticket_id",
	})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Issues)
	assert.Equal(t, 0, attempts, "validation failures never reach the handler")
	assert.Equal(t, 0, calls)

	out, attempts, err := inv.Invoke(context.Background(), "tickets.add_comment", 1, map[string]any{
		"ticket_id": 42, "body": "hello from workflow",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, map[string]any{"comment_id": 7}, out)
}

func TestInvokerRetriesTransientFailures(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("crm.sync", 1, Func{
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, models.Retryable(errors.New("lock contention"))
			}
			return map[string]any{"synced": true}, nil
		},
	}))
	inv := NewInvoker(reg, fastPolicy(), nil)

	out, attempts, err := inv.Invoke(context.Background(), "crm.sync", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, map[string]any{"synced": true}, out)
}

func TestInvokerExhaustsRetries(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("crm.sync", 1, Func{
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls++
			return nil, models.Retryable(errors.New("timeout"))
		},
	}))
	inv := NewInvoker(reg, fastPolicy(), nil)

	_, attempts, err := inv.Invoke(context.Background(), "crm.sync", 1, nil)
	var fatal *models.FatalActionError
	require.ErrorAs(t, err, &fatal, "exhausted retryable becomes fatal")
	assert.Equal(t, 3, attempts, "initial attempt plus MaxRetries")
	assert.Equal(t, 3, calls)
}

func TestInvokerNeverRetriesFatal(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("tickets.assign", 1, Func{
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls++
			return nil, models.Fatal(errors.New("assignee does not exist"))
		},
	}))
	inv := NewInvoker(reg, fastPolicy(), nil)

	_, attempts, err := inv.Invoke(context.Background(), "tickets.assign", 1, nil)
	var fatal *models.FatalActionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestInvokerUnknownAction(t *testing.T) {
	inv := NewInvoker(NewRegistry(), fastPolicy(), nil)
	_, _, err := inv.Invoke(context.Background(), "nope", 1, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
