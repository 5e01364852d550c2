//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
)

func TestLoadReportsChildExitCode(t *testing.T) {
	adapter := &fakeAdapter{
		invocation: &inference.Invocation{Exe: "sh", Args: []string{"-c", "exit 7"}},
		timeout:    3 * time.Second,
	}
	s := New(testLogger(), adapter, catalog.ModelInfo{ModelName: "m"}, nil, nil)

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, inference.KindBackendStartupFailed, inference.KindOf(err))
	assert.Contains(t, err.Error(), "7")
}
