package remote

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/atlas/internal/remote/migrations"
	"github.com/matheus3301/atlas/internal/syncerr"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 678901000, time.UTC)
	c := Cursor{At: at, ID: "C1"}

	got, ok, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, "C1", got.ID)

	timeOnly, ok, err := DecodeCursor(Cursor{At: at}.Encode())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, timeOnly.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, ok, err := DecodeCursor("")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, in := range []string{"!!!", "bm90IGpzb24", Cursor{}.Encode()} {
		_, _, err := DecodeCursor(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNextCursor(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, nextCursor(3, 5, at, "x"))
	assert.NotEmpty(t, nextCursor(5, 5, at, "x"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, syncerr.ErrNetwork},
		{"bad conn", driver.ErrBadConn, syncerr.ErrNetwork},
		{"eof", fmt.Errorf("read: %w", io.EOF), syncerr.ErrNetwork},
		{"net error", timeoutErr{}, syncerr.ErrNetwork},
		{"connection failure", &pq.Error{Code: "08006"}, syncerr.ErrNetwork},
		{"too many connections", &pq.Error{Code: "53300"}, syncerr.ErrNetwork},
		{"admin shutdown", &pq.Error{Code: "57P01"}, syncerr.ErrNetwork},
		{"serialization failure", &pq.Error{Code: "40001"}, syncerr.ErrNetwork},
		{"bad password", &pq.Error{Code: "28P01"}, syncerr.ErrAuth},
		{"row level security", &pq.Error{Code: "42501"}, syncerr.ErrAuth},
		{"fk violation", &pq.Error{Code: "23503"}, syncerr.ErrInvalid},
		{"unknown", errors.New("boom"), syncerr.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyPassesThrough(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.Equal(t, context.Canceled, classify("op", context.Canceled))

	auth := syncerr.New(syncerr.Auth, "inner", errors.New("expired"))
	assert.Equal(t, auth, classify("outer", auth))
}

func TestChannelFor(t *testing.T) {
	a := ChannelFor("user-1")
	assert.Equal(t, a, ChannelFor("user-1"))
	assert.NotEqual(t, a, ChannelFor("user-2"))
	assert.Len(t, a, len(ChannelPrefix)+32)
}

func TestChannelPrefixMatchesNotifyTrigger(t *testing.T) {
	sql, err := migrations.FS.ReadFile("000003_notify.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "'"+ChannelPrefix+"' || md5(NEW.owner_id)")
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open("  ", Options{}, nil)
	assert.ErrorIs(t, err, syncerr.ErrInvalid)
}
