package headless

import (
	"io"

	"github.com/killallgit/divechat/pkg/client"
	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/logger"
	"github.com/killallgit/divechat/pkg/memory"
	"github.com/killallgit/divechat/pkg/render"
	"github.com/killallgit/divechat/pkg/transcript"
)

// NewRunnerFromConfig builds a Runner from the loaded settings. A cache
// that cannot be opened is logged and skipped.
func NewRunnerFromConfig(stdout, stderr io.Writer) *Runner {
	cfg := config.Get()

	var cache memory.TranscriptStore
	if cfg.Cache.Enabled {
		m, err := memory.NewFromConfig()
		if err != nil {
			logger.Warn("transcript cache disabled: %v", err)
		} else {
			cache = m
		}
	}

	return NewRunner(Options{
		Backend: client.New(cfg.Server.URL, cfg.Server.Timeout),
		Cache:   cache,
		Transcript: transcript.Options{
			RetrievalTool: cfg.Session.RetrievalTool,
			SourcesMode:   transcript.SourcesMode(cfg.Sources.Mode),
		},
		Render: render.OptionsFromConfig(cfg.Render),
		Stdout: stdout,
		Stderr: stderr,
	})
}
