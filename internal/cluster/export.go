package cluster

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"klaster/internal/viz"
)

// ExportAssignments writes the session's current point assignments as CSV
// with a header row: point id, cluster label (noise for unassigned), and the
// cluster's display name when one is set.
func (e *Engine) ExportAssignments(ctx context.Context, sessionID, actor string, w io.Writer) error {
	sess, err := e.requireEditable(ctx, sessionID, actor)
	if err != nil {
		return err
	}

	m, ids, err := e.src.Load(ctx, sess.SourcePath)
	if err != nil {
		return err
	}
	active, err := e.store.ListActiveClusters(ctx, sessionID)
	if err != nil {
		return err
	}
	labels, err := e.recon.Assign(sess, m, active)
	if err != nil {
		return err
	}

	names := map[int]string{}
	for _, c := range active {
		if c.DisplayName == nil {
			continue
		}
		if n, ok := numericLabel(c); ok {
			names[n] = *c.DisplayName
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "cluster", "name"}); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}
	for i, id := range ids {
		cluster := viz.NoiseLabel
		if labels[i] >= 0 {
			cluster = strconv.Itoa(labels[i])
		}
		if err := cw.Write([]string{id, cluster, names[labels[i]]}); err != nil {
			return fmt.Errorf("writing export row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
