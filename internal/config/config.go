package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Speech
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	SpeechModelID     string

	// Synthesis backend: "elevenlabs" (default) or "deepgram"
	TTSBackend    string
	DeepgramKey   string
	DeepgramModel string

	// Generation backend: "gemini" (default) or "cerebras"
	GenBackend     string
	GeminiKey      string
	GeminiModelID  string
	CerebrasKey    string
	CerebrasModel  string
	GeminiRPM      int
	StageTimeout   time.Duration
	SpeechTimeout  time.Duration
	SilenceWindow  time.Duration
	MaxUtteranceKB int

	// GitHub OAuth
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
	FrontendURL        string

	// Merge keyword sets
	KeywordsPath string

	// Transcript archive
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - transcription and TTS will not work")
	}
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	speechModel := os.Getenv("SPEECH_MODEL_ID")
	if speechModel == "" {
		speechModel = "scribe_v2"
	}

	ttsBackend := os.Getenv("TTS_BACKEND")
	if ttsBackend == "" {
		ttsBackend = "elevenlabs"
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	deepgramModel := os.Getenv("DEEPGRAM_MODEL")

	genBackend := envDefault("GEN_BACKEND", "gemini")
	geminiKey := os.Getenv("GEMINI_API_KEY")
	if genBackend == "gemini" && geminiKey == "" {
		log.Println("Warning: GEMINI_API_KEY not set - generation will not work")
	}
	geminiModel := os.Getenv("GEMINI_MODEL_ID")
	if geminiModel == "" {
		geminiModel = "gemini-flash-latest"
	}

	clientID := os.Getenv("GITHUB_CLIENT_ID")
	clientSecret := os.Getenv("GITHUB_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Println("Warning: GITHUB_CLIENT_ID / GITHUB_CLIENT_SECRET not set - OAuth login disabled")
	}
	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}

	keywordsPath := os.Getenv("MERGE_KEYWORDS_PATH")
	if keywordsPath == "" {
		keywordsPath = "configs/merge_keywords.yaml"
	}

	log.Printf("config: HTTP_ADDRESS=%s TTS_BACKEND=%s", addr, ttsBackend)
	return Config{
		HTTPAddress:        addr,
		ElevenLabsKey:      elevenKey,
		ElevenLabsVoiceID:  voiceID,
		SpeechModelID:      speechModel,
		TTSBackend:         ttsBackend,
		DeepgramKey:        deepgramKey,
		DeepgramModel:      deepgramModel,
		GenBackend:         genBackend,
		GeminiKey:          geminiKey,
		GeminiModelID:      geminiModel,
		CerebrasKey:        os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModel:      os.Getenv("CEREBRAS_MODEL_ID"),
		GeminiRPM:          envInt("GEMINI_RPM", 12),
		StageTimeout:       envDuration("STAGE_TIMEOUT", 45*time.Second),
		SpeechTimeout:      envDuration("SPEECH_TIMEOUT", 15*time.Second),
		SilenceWindow:      envDuration("SILENCE_WINDOW", 700*time.Millisecond),
		MaxUtteranceKB:     envInt("MAX_UTTERANCE_KB", 10240),
		GitHubClientID:     clientID,
		GitHubClientSecret: clientSecret,
		GitHubCallbackURL:  envDefault("GITHUB_CALLBACK_URL", "http://localhost:8080/auth/github/callback"),
		FrontendURL:        frontendURL,
		KeywordsPath:       keywordsPath,
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseKey:        os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     envDefault("SUPABASE_BUCKET", "session-transcripts"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}
