package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	req, err := Decode([]byte(`{"scan_id":"4b7c1f"}`))
	require.NoError(t, err)
	assert.Equal(t, "4b7c1f", req.ScanID)

	for _, body := range []string{`not json`, `{}`, `{"scan_id":""}`} {
		_, err := Decode([]byte(body))
		assert.True(t, errors.Is(err, ErrInvalidRequest), "body %q", body)
	}
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	b := minBackoff
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		b = nextBackoff(b)
		seen = append(seen, b)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, seen)
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	assert.Equal(t, DefaultURL, c.cfg.URL)
	assert.Equal(t, DefaultQueue, c.cfg.Queue)
	assert.Equal(t, 2, c.cfg.Prefetch)
}
