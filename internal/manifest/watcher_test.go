package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0600))

	reg := specs.NewRegistry(nil)
	for _, id := range []string{"ok", "also_ok"} {
		require.NoError(t, reg.Register(id, specs.RequireDataKey(id)))
	}
	logger := logging.NewTestLogger()
	loader := NewLoader(reg, testAgents, logger.Logger)

	graphs := make(chan *workflow.Graph, 4)
	w, err := NewWatcher(path, loader, func(g *workflow.Graph) { graphs <- g }, logger.Logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	// A broken edit is logged and does not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("name: broken\n"), 0600))
	require.Eventually(t, func() bool {
		return len(logger.FilterMessage("manifest reload failed, keeping previous graph").All()) > 0
	}, 5*time.Second, 20*time.Millisecond)

	updated := strings.Replace(yamlManifest, "max_total_steps: 7", "max_total_steps: 9", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	select {
	case g := <-graphs:
		assert.Equal(t, "parse_test", g.Name)
		assert.Equal(t, 9, g.Budgets.MaxTotalSteps)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	logger.AssertLogged(t, zapcore.InfoLevel, "manifest reloaded")
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0600))

	called := make(chan struct{}, 1)
	w, err := NewWatcher(path, NewLoader(specs.NewRegistry(nil), testAgents, nil), func(*workflow.Graph) { called <- struct{}{} }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0600))
	select {
	case <-called:
		t.Fatal("sibling write triggered reload")
	case <-time.After(200 * time.Millisecond):
	}
}
