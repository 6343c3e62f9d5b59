package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guestpost-automation/internal/config"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
)

func TestPipelineWithoutCollaboratorsFailsPermanently(t *testing.T) {
	orch, err := Pipeline(context.Background(), config.Config{ArchiveDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), pipeline.Input{
		JobID: uuid.New(),
		Kind:  models.GuestPost(models.DocumentSource{Kind: models.SourceDocLink, URL: "https://docs.example.com/d/1"}),
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrNotConfigured))
	assert.True(t, pipeline.IsPermanent(err))

	stage, ok := pipeline.FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, pipeline.StageConvert, stage)
}
