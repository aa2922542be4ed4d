package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"klaster/internal/config"
	"klaster/internal/source"
	"klaster/internal/store"
	"klaster/internal/viz"
)

// Engine applies structural edits to a session's cluster catalog.
//
// Every edit follows the same shape: validate, invalidate the scatter cache
// (committed before the edit so a crash never leaves a stale cache),
// reconstruct the pre-edit assignment, mutate descriptors atomically with
// the audit entry and session outcome, then refresh derived visuals
// best-effort outside the transaction.
type Engine struct {
	store  store.Store
	src    source.Source
	recon  *Reconstructor
	cfg    config.Config
	sheets viz.SheetRenderer
	log    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires an engine. sheets may be nil to disable contact sheet
// rendering; a nil logger discards.
func NewEngine(st store.Store, src source.Source, cfg config.Config, sheets viz.SheetRenderer, log *slog.Logger) *Engine {
	if log == nil {
		log = discardLogger()
	}
	return &Engine{
		store:  st,
		src:    src,
		recon:  NewReconstructor(st, src, log),
		cfg:    cfg,
		sheets: sheets,
		log:    log,
		locks:  map[string]*sync.Mutex{},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sessionLock serializes edits per session. Cross-session edits run freely
// in parallel; the optimistic version check in the store backs this up
// against other processes sharing the database.
func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// editState is everything the shared preamble establishes for an edit.
type editState struct {
	sess   *store.Session
	matrix *source.Matrix
	ids    []string
	active []*store.Cluster
	labels []int
}

// beginEdit runs the shared validation and preparation for a structural
// edit. The scatter cache is invalidated and committed here, before any
// descriptor changes.
func (e *Engine) beginEdit(ctx context.Context, sessionID, actor string) (*editState, error) {
	sess, err := e.requireEditable(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}

	if sess.ScatterCachePath != nil {
		if err := viz.RemoveArtifact(*sess.ScatterCachePath); err != nil {
			e.log.Warn("removing stale scatter cache", "session", sessionID, "error", err)
		}
		if err := e.store.SetScatterCachePath(ctx, sessionID, nil); err != nil {
			return nil, fmt.Errorf("%w: clearing scatter cache pointer: %v", ErrPersistenceFailure, err)
		}
		sess.ScatterCachePath = nil
	}

	m, ids, err := e.src.Load(ctx, sess.SourcePath)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ListActiveClusters(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	labels, err := e.recon.Assign(sess, m, active)
	if err != nil {
		return nil, err
	}
	return &editState{sess: sess, matrix: m, ids: ids, active: active, labels: labels}, nil
}

// requireEditable validates existence, ownership, and status.
func (e *Engine) requireEditable(ctx context.Context, sessionID, actor string) (*store.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.Owner != "" && actor != sess.Owner {
		return nil, fmt.Errorf("%w: session %s", ErrNotOwner, sessionID)
	}
	if sess.Status != store.StatusSuccess && sess.Status != store.StatusReclustered {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidStatus, sessionID, sess.Status)
	}
	return sess, nil
}

// commitEdit runs fn atomically with the audit entry, cluster count refresh,
// and the session's new outcome.
func (e *Engine) commitEdit(ctx context.Context, st *editState, actor, action, message string, details any, fn func(tx *sql.Tx) error) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}
	err = e.store.EditSession(ctx, st.sess.ID, st.sess.Version, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if err := store.AppendAdjustmentTx(ctx, tx, &store.Adjustment{
			SessionID:   st.sess.ID,
			Actor:       actor,
			Action:      action,
			DetailsJSON: string(detailsJSON),
		}); err != nil {
			return err
		}
		if err := store.SetSessionClusterCountTx(ctx, tx, st.sess.ID); err != nil {
			return err
		}
		return store.SetSessionOutcomeTx(ctx, tx, st.sess.ID, store.StatusReclustered, message)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// Redistribute soft-deletes the target cluster and routes each of its points
// to the nearest remaining active centroid.
func (e *Engine) Redistribute(ctx context.Context, sessionID, label, actor string) (string, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.beginEdit(ctx, sessionID, actor)
	if err != nil {
		return "", err
	}
	target, others := pickTarget(st.active, label)
	if target == nil {
		return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
	}
	targetNum, ok := numericLabel(target)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
	}

	var points []int
	for i, l := range st.labels {
		if l == targetNum {
			points = append(points, i)
		}
	}

	var message string
	var action string
	details := map[string]any{"label": label, "points": len(points)}
	var apply func(tx *sql.Tx) error

	switch {
	case len(others) == 0:
		action = store.ActionDeleteNoTargets
		message = fmt.Sprintf("Deleted cluster %s; no other clusters remained to receive its %d points", label, len(points))
		apply = func(tx *sql.Tx) error {
			return store.SoftDeleteClusterTx(ctx, tx, target.ID)
		}

	case len(points) == 0:
		action = store.ActionDeleteNoPoints
		message = fmt.Sprintf("Deleted empty cluster %s", label)
		apply = func(tx *sql.Tx) error {
			return store.SoftDeleteClusterTx(ctx, tx, target.ID)
		}

	default:
		candLabels, candCentroids, candIDs := e.redistributionTargets(st, others)
		if len(candCentroids) == 0 {
			return "", fmt.Errorf("%w: deleting cluster %s", ErrNoValidTargets, label)
		}
		routed := make(map[int]int) // candidate index -> point count
		for _, p := range points {
			routed[nearestValid(st.matrix.Row(p), candCentroids)]++
		}
		moved := map[string]int{}
		for idx, count := range routed {
			moved[strconv.Itoa(candLabels[idx])] = count
		}
		details["moved"] = moved
		action = store.ActionRedistribute
		message = fmt.Sprintf("Deleted cluster %s and redistributed %d points across %d clusters", label, len(points), len(routed))
		apply = func(tx *sql.Tx) error {
			for idx, count := range routed {
				if err := store.AddClusterSizeTx(ctx, tx, candIDs[idx], count); err != nil {
					return err
				}
			}
			return store.SoftDeleteClusterTx(ctx, tx, target.ID)
		}
	}

	if err := e.commitEdit(ctx, st, actor, action, message, details, apply); err != nil {
		return "", err
	}
	e.afterEdit(ctx, st, []*store.Cluster{target}, nil)
	return message, nil
}

// redistributionTargets filters the remaining clusters down to usable
// candidates, keeping ascending label order for the tie-break.
func (e *Engine) redistributionTargets(st *editState, others []*store.Cluster) ([]int, [][]float32, []int64) {
	var labels []int
	var centroids [][]float32
	var ids []int64
	for _, c := range others {
		n, ok := numericLabel(c)
		if !ok {
			continue
		}
		if len(c.Centroid) != st.matrix.D {
			e.log.Warn("skipping redistribution target with mismatched centroid",
				"session", st.sess.ID, "label", c.Label,
				"centroid_dims", len(c.Centroid), "matrix_dims", st.matrix.D)
			continue
		}
		labels = append(labels, n)
		centroids = append(centroids, c.Centroid)
		ids = append(ids, c.ID)
	}
	return labels, centroids, ids
}

// Merge replaces two or more active clusters with a single new one whose
// centroid is the mean of all their points, not of their centroids.
func (e *Engine) Merge(ctx context.Context, sessionID string, labels []string, actor string) (string, error) {
	if len(labels) < 2 {
		return "", fmt.Errorf("merge needs at least 2 labels, got %d", len(labels))
	}
	seen := map[string]bool{}
	for _, l := range labels {
		if seen[l] {
			return "", fmt.Errorf("merge labels must be distinct, %q repeats", l)
		}
		seen[l] = true
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.beginEdit(ctx, sessionID, actor)
	if err != nil {
		return "", err
	}

	sources := make([]*store.Cluster, 0, len(labels))
	memberOf := map[int]bool{}
	for _, label := range labels {
		c, _ := pickTarget(st.active, label)
		if c == nil {
			return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
		}
		sources = append(sources, c)
		if n, ok := numericLabel(c); ok {
			memberOf[n] = true
		}
	}

	var points []int
	for i, l := range st.labels {
		if memberOf[l] {
			points = append(points, i)
		}
	}
	centroid := meanOfPoints(st.matrix, points)
	if centroid == nil {
		// No reconstructible points; fall back to the mean of the source
		// centroids so the merged descriptor still has a location.
		centroid = meanOfCentroids(sources, st.matrix.D)
	}

	newLabel, err := e.store.NextFreeLabel(ctx, sessionID)
	if err != nil {
		return "", err
	}

	name := "Merged from [" + strings.Join(labels, ", ") + "]"
	merged := &store.Cluster{
		SessionID:   sessionID,
		Label:       strconv.Itoa(newLabel),
		Centroid:    centroid,
		Dimensions:  st.matrix.D,
		Size:        len(points),
		DisplayName: &name,
	}

	message := fmt.Sprintf("Merged clusters [%s] into cluster %d (%d points)",
		strings.Join(labels, ", "), newLabel, len(points))
	details := map[string]any{"sources": labels, "new_label": newLabel, "points": len(points)}

	err = e.commitEdit(ctx, st, actor, store.ActionMerge, message, details, func(tx *sql.Tx) error {
		if _, err := store.CreateClusterTx(ctx, tx, merged); err != nil {
			return err
		}
		for _, c := range sources {
			if err := store.SoftDeleteClusterTx(ctx, tx, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.afterEdit(ctx, st, sources, []*store.Cluster{merged})
	return message, nil
}

// Split partitions the target cluster's own points into k sub-clusters with
// a local k-means fit. New labels are allocated as one contiguous block;
// empty sub-clusters are skipped and consume no label.
func (e *Engine) Split(ctx context.Context, sessionID, label string, k int, actor string) (string, error) {
	if k < 2 {
		return "", fmt.Errorf("split needs at least 2 sub-clusters, got %d", k)
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.beginEdit(ctx, sessionID, actor)
	if err != nil {
		return "", err
	}
	target, _ := pickTarget(st.active, label)
	if target == nil {
		return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
	}
	targetNum, ok := numericLabel(target)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
	}

	var points []int
	for i, l := range st.labels {
		if l == targetNum {
			points = append(points, i)
		}
	}
	if len(points) < k {
		return "", fmt.Errorf("%w: cluster %s has %d points, wanted %d sub-clusters",
			ErrInsufficientPoints, label, len(points), k)
	}

	sub, err := kmeansIndices(st.matrix, points, k, splitSeed)
	if err != nil {
		return "", err
	}
	counts := make([]int, k)
	for _, sl := range sub.Labels {
		counts[sl]++
	}

	base, err := e.store.NextFreeLabel(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var parts []*store.Cluster
	next := base
	for j := 0; j < k; j++ {
		if counts[j] == 0 {
			continue
		}
		name := fmt.Sprintf("Part %d of %s", len(parts)+1, label)
		provenance := label
		parts = append(parts, &store.Cluster{
			SessionID:   sessionID,
			Label:       strconv.Itoa(next),
			OriginalID:  &provenance,
			Centroid:    sub.Centroids[j],
			Dimensions:  st.matrix.D,
			Size:        counts[j],
			DisplayName: &name,
		})
		next++
	}

	message := fmt.Sprintf("Split cluster %s into %d parts", label, len(parts))
	newLabels := make([]string, len(parts))
	for i, p := range parts {
		newLabels[i] = p.Label
	}
	details := map[string]any{"label": label, "k": k, "new_labels": newLabels, "points": len(points)}

	err = e.commitEdit(ctx, st, actor, store.ActionSplit, message, details, func(tx *sql.Tx) error {
		for _, p := range parts {
			if _, err := store.CreateClusterTx(ctx, tx, p); err != nil {
				return err
			}
		}
		return store.SoftDeleteClusterTx(ctx, tx, target.ID)
	})
	if err != nil {
		return "", err
	}
	e.afterEdit(ctx, st, []*store.Cluster{target}, parts)
	return message, nil
}

// Rename sets a cluster's display name. Centroids are untouched, so no
// cache invalidation or reconstruction is needed.
func (e *Engine) Rename(ctx context.Context, sessionID, label, newName, actor string) (string, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.requireEditable(ctx, sessionID, actor)
	if err != nil {
		return "", err
	}
	target, err := e.store.GetActiveClusterByLabel(ctx, sessionID, label)
	if err != nil {
		return "", err
	}
	if target == nil {
		return "", fmt.Errorf("%w: %s", ErrClusterNotFound, label)
	}

	var name *string
	if newName != "" {
		name = &newName
	}
	oldName := ""
	if target.DisplayName != nil {
		oldName = *target.DisplayName
	}
	detailsJSON, _ := json.Marshal(map[string]string{"label": label, "old": oldName, "name": newName})

	err = e.store.EditSession(ctx, sessionID, sess.Version, func(tx *sql.Tx) error {
		if err := store.SetDisplayNameTx(ctx, tx, target.ID, name); err != nil {
			return err
		}
		return store.AppendAdjustmentTx(ctx, tx, &store.Adjustment{
			SessionID:   sessionID,
			Actor:       actor,
			Action:      store.ActionRename,
			DetailsJSON: string(detailsJSON),
		})
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return fmt.Sprintf("Renamed cluster %s to %q", label, newName), nil
}

// ReconstructLabels derives the current per-point assignment of a completed
// session.
func (e *Engine) ReconstructLabels(ctx context.Context, sessionID, actor string) ([]int, error) {
	sess, err := e.requireEditable(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	return e.recon.Reconstruct(ctx, sess)
}

// afterEdit refreshes the derived artifacts after a committed edit:
// centroid projections are recomputed, sheets of retired clusters are
// deleted (only now, after the metadata no longer references them), and
// sheets for newly created clusters are rendered. All best-effort.
func (e *Engine) afterEdit(ctx context.Context, st *editState, removed, created []*store.Cluster) {
	if err := e.RefreshCentroidProjections(ctx, st.sess.ID); err != nil {
		e.log.Warn("refreshing centroid projections", "session", st.sess.ID, "error", err)
	}
	for _, c := range removed {
		if c.SheetPath == nil {
			continue
		}
		if err := viz.RemoveArtifact(*c.SheetPath); err != nil {
			e.log.Warn("removing stale contact sheet", "session", st.sess.ID, "label", c.Label, "error", err)
		}
	}
	if e.sheets == nil || len(created) == 0 {
		return
	}
	// Recompute the post-edit assignment once for representative selection.
	active, err := e.store.ListActiveClusters(ctx, st.sess.ID)
	if err != nil {
		e.log.Warn("listing clusters for sheet rendering", "session", st.sess.ID, "error", err)
		return
	}
	labels, err := e.recon.Assign(st.sess, st.matrix, active)
	if err != nil {
		e.log.Warn("reconstructing for sheet rendering", "session", st.sess.ID, "error", err)
		return
	}
	for _, c := range created {
		num, ok := numericLabel(c)
		if !ok {
			continue
		}
		if err := e.RenderSheet(ctx, st.sess, c, st.matrix, st.ids, labels, num); err != nil {
			e.log.Warn("rendering contact sheet", "session", st.sess.ID, "label", c.Label, "error", err)
		}
	}
}

// RefreshCentroidProjections recomputes every active centroid's 2D
// coordinate as a single PCA fit. Fewer than 2 projectable centroids clears
// all coordinates instead.
func (e *Engine) RefreshCentroidProjections(ctx context.Context, sessionID string) error {
	active, err := e.store.ListActiveClusters(ctx, sessionID)
	if err != nil {
		return err
	}

	var usable []*store.Cluster
	var centroids [][]float32
	dims := -1
	for _, c := range active {
		if len(c.Centroid) == 0 {
			continue
		}
		if dims == -1 {
			dims = len(c.Centroid)
		}
		if len(c.Centroid) != dims {
			continue
		}
		usable = append(usable, c)
		centroids = append(centroids, c.Centroid)
	}

	coords, ok := viz.ProjectCentroids(centroids)
	if !ok {
		return e.store.ClearCentroids2D(ctx, sessionID)
	}
	// Clear first so clusters excluded from this fit never keep a stale
	// coordinate from an older one.
	if err := e.store.ClearCentroids2D(ctx, sessionID); err != nil {
		return err
	}
	for i, c := range usable {
		xy := coords[i]
		if err := e.store.SetCentroid2D(ctx, c.ID, &xy); err != nil {
			return err
		}
	}
	return nil
}

// GetScatterCache returns the session's scatter plot, computing and storing
// it on a cache miss. A referenced file that is missing or corrupt is a
// miss, not an error.
func (e *Engine) GetScatterCache(ctx context.Context, sessionID, actor string) (*viz.Scatter, error) {
	sess, err := e.requireEditable(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}

	if sess.ScatterCachePath != nil {
		s, err := viz.LoadScatter(*sess.ScatterCachePath)
		if err == nil {
			return s, nil
		}
		e.log.Warn("scatter cache unreadable, regenerating", "session", sessionID, "error", err)
	}

	m, _, err := e.src.Load(ctx, sess.SourcePath)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ListActiveClusters(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	labels, err := e.recon.Assign(sess, m, active)
	if err != nil {
		return nil, err
	}

	scatter, err := viz.BuildScatter(m, labels, e.cfg.ScatterMaxPoints)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(e.cfg.ScatterDir(), sessionID+".json")
	if err := viz.SaveScatter(path, scatter); err != nil {
		// Serve the computed plot anyway; only the cache write failed.
		e.log.Warn("persisting scatter cache", "session", sessionID, "error", err)
		return scatter, nil
	}
	if err := e.store.SetScatterCachePath(ctx, sessionID, &path); err != nil {
		e.log.Warn("recording scatter cache pointer", "session", sessionID, "error", err)
	}
	return scatter, nil
}

// RenderSheet writes a contact sheet for cluster c from the points nearest
// its centroid and records the path. labels is any per-point assignment in
// which c's points carry the value member.
func (e *Engine) RenderSheet(ctx context.Context, sess *store.Session, c *store.Cluster, m *source.Matrix, ids []string, labels []int, member int) error {
	if e.sheets == nil {
		return nil
	}
	if len(c.Centroid) != m.D {
		return nil
	}

	type scored struct {
		id   string
		dist float64
	}
	var members []scored
	for i, l := range labels {
		if l == member {
			members = append(members, scored{id: ids[i], dist: squaredDistance(m.Row(i), c.Centroid)})
		}
	}
	if len(members) == 0 {
		return nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i].dist < members[j].dist })
	limit := e.cfg.SheetPerCluster
	if limit <= 0 {
		limit = 9
	}
	if len(members) > limit {
		members = members[:limit]
	}
	pointIDs := make([]string, len(members))
	for i, mbr := range members {
		pointIDs[i] = mbr.id
	}

	ext := "jpg"
	if strings.EqualFold(e.cfg.SheetFormat, "png") {
		ext = "png"
	}
	path := filepath.Join(e.cfg.SheetDir(sess.ID), c.Label+"."+ext)
	if err := e.sheets.Render(pointIDs, path); err != nil {
		return err
	}
	return e.store.SetSheetPath(ctx, c.ID, &path)
}

// pickTarget splits the active list into the cluster with the given label
// and everything else.
func pickTarget(active []*store.Cluster, label string) (*store.Cluster, []*store.Cluster) {
	var target *store.Cluster
	others := make([]*store.Cluster, 0, len(active))
	for _, c := range active {
		if c.Label == label {
			target = c
			continue
		}
		others = append(others, c)
	}
	return target, others
}

func meanOfPoints(m *source.Matrix, points []int) []float32 {
	if len(points) == 0 {
		return nil
	}
	sums := make([]float64, m.D)
	for _, p := range points {
		for d, v := range m.Row(p) {
			sums[d] += float64(v)
		}
	}
	out := make([]float32, m.D)
	for d := range out {
		out[d] = float32(sums[d] / float64(len(points)))
	}
	return out
}

func meanOfCentroids(clusters []*store.Cluster, dims int) []float32 {
	sums := make([]float64, dims)
	n := 0
	for _, c := range clusters {
		if len(c.Centroid) != dims {
			continue
		}
		n++
		for d, v := range c.Centroid {
			sums[d] += float64(v)
		}
	}
	out := make([]float32, dims)
	if n == 0 {
		return out
	}
	for d := range out {
		out[d] = float32(sums[d] / float64(n))
	}
	return out
}

