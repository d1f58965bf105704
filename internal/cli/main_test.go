package cli

import (
	"io"
	"os"
	"testing"

	"github.com/harun/tandem/internal/observability"
)

func TestMain(m *testing.M) {
	observability.SetAuditWriter(io.Discard)
	os.Exit(m.Run())
}
