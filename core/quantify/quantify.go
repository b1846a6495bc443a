// Package quantify shells out to the misfit quantification tool. The
// numerics live in an external program; this package only owns the calling
// convention.
package quantify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/storage"
)

// Quantifier invokes the configured misfit command once per event. The tool
// receives the event ID and the synthetics artifact path and prints a single
// float to stdout.
type Quantifier struct {
	cmd   string
	store *storage.Store
	log   zerolog.Logger
}

// New creates a quantifier around the external misfit command.
func New(cmd string, store *storage.Store, log zerolog.Logger) *Quantifier {
	return &Quantifier{
		cmd:   cmd,
		store: store,
		log:   log.With().Str("component", "quantify").Logger(),
	}
}

// Quantify runs the misfit tool for one event of one iteration.
func (q *Quantifier) Quantify(ctx context.Context, iteration string, event models.Event) (float64, error) {
	synthetics := q.store.SyntheticsPath(iteration, event.ID)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, q.cmd, "--event", event.ID, "--synthetics", synthetics)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	q.log.Debug().Str("event", event.ID).Str("synthetics", synthetics).Msg("quantifying misfit")
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("quantify: %s for %s: %w (stderr: %s)",
			q.cmd, event.ID, err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	misfit, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("quantify: %s printed %q, expected a float: %w", q.cmd, out, err)
	}
	if misfit < 0 {
		return 0, fmt.Errorf("quantify: negative misfit %g for %s", misfit, event.ID)
	}
	return misfit, nil
}
