package log

import (
	"bytes"
	"strings"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestLimited(t *testing.T) {
	var buf bytes.Buffer

	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Trace})

	l := NewLimited(logger, time.Hour)

	for i := 0; i < 10; i++ {
		l.Warn("fatal-page-fault", "i", i)
	}

	require.Equal(t, 1, strings.Count(buf.String(), "fatal-page-fault"))
}
