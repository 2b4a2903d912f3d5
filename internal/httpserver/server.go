package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apihttp "github.com/AirOxygenC/DriveCode/api/http"
	"github.com/AirOxygenC/DriveCode/internal/auth"
	"github.com/AirOxygenC/DriveCode/internal/config"
	"github.com/AirOxygenC/DriveCode/internal/intent"
	"github.com/AirOxygenC/DriveCode/internal/llm"
	"github.com/AirOxygenC/DriveCode/internal/narrate"
	"github.com/AirOxygenC/DriveCode/internal/pipeline"
	"github.com/AirOxygenC/DriveCode/internal/session"
	"github.com/AirOxygenC/DriveCode/internal/stt"
	"github.com/AirOxygenC/DriveCode/internal/tts"
	"github.com/AirOxygenC/DriveCode/internal/vcs"
	"github.com/AirOxygenC/DriveCode/internal/ws"
)

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router http.Handler
}

// New wires the full application: OAuth endpoints, the websocket session
// channel and the per-session collaborator stack behind it.
func New(cfg config.Config, log *zap.SugaredLogger, archiver session.Archiver) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	sets, err := intent.LoadKeywordSets(cfg.KeywordsPath)
	if err != nil {
		log.Warnw("keyword sets not loaded, using built-in defaults",
			"path", cfg.KeywordsPath, "error", err)
		sets = intent.DefaultKeywordSets()
	}

	factory := newSessionFactory(cfg, log, newGenerator(cfg), sets, archiver)
	wsHandler := ws.NewHandler(factory, log)
	oauth := auth.New(cfg.GitHubClientID, cfg.GitHubClientSecret,
		cfg.GitHubCallbackURL, cfg.FrontendURL, log)

	e := NewRouter()
	apihttp.NewHandlers(oauth, wsHandler).Register(e)
	return &Server{Router: e}
}

// newSessionFactory builds one session per websocket connection. Clients
// that talk to external engines are stateless and shared; the segmenter,
// pipeline and narrator are per session.
func newSessionFactory(cfg config.Config, log *zap.SugaredLogger, gen llm.Generator,
	sets intent.KeywordSets, archiver session.Archiver) ws.SessionFactory {

	transcriber := stt.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.SpeechModelID, cfg.SpeechTimeout)
	classifier := intent.NewClassifier(sets)
	synth := newSynthesizer(cfg)

	return func(ctx context.Context, info ws.StartInfo, notifier session.Notifier, sink narrate.Sink) (ws.Controller, error) {
		if info.Repo == "" {
			return nil, errors.New("session_start missing repo")
		}
		if info.Token == "" {
			return nil, errors.New("session_start missing token")
		}

		id := uuid.NewString()
		sess := session.New(id, info.Repo, info.BaseBranch, info.Token, session.Deps{
			Transcriber: transcriber,
			Classifier:  classifier,
			Pipeline:    pipeline.New(gen, cfg.StageTimeout, log),
			NewHost: func(ctx context.Context, token string) (vcs.Host, error) {
				h, err := vcs.NewGitHubHost(ctx, token, log)
				if err != nil {
					return nil, err
				}
				return h, nil
			},
			Notifier:          notifier,
			Narrator:          narrate.New(synth, sink, log),
			Archiver:          archiver,
			Log:               log,
			SilenceWindow:     cfg.SilenceWindow,
			MaxUtteranceBytes: cfg.MaxUtteranceKB << 10,
		})
		log.Infow("session created", "session", id, "repo", info.Repo)
		return sess, nil
	}
}

// newGenerator selects the generation backend. Both share one rate limiter
// budget since the per-minute cap is about the account, not the session.
func newGenerator(cfg config.Config) llm.Generator {
	var limiter *llm.RateLimiter
	if cfg.GeminiRPM > 0 {
		limiter = llm.NewRateLimiter(cfg.GeminiRPM, 0)
	}
	switch cfg.GenBackend {
	case "cerebras":
		c := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModel)
		c.Limiter = limiter
		return c
	default:
		g := llm.NewGeminiClient(cfg.GeminiKey, cfg.GeminiModelID)
		g.Limiter = limiter
		return g
	}
}

func newSynthesizer(cfg config.Config) tts.Synthesizer {
	switch cfg.TTSBackend {
	case "deepgram":
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	default:
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}
}
