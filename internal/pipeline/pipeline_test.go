package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedGen answers prompts by stage, recognized from prompt content.
type scriptedGen struct {
	planReply string
	codeReply string
	testReply string
	planErr   error
	codeErr   error
	testErr   error
	calls     int32
	delay     time.Duration
}

func (g *scriptedGen) Generate(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch {
	case strings.Contains(prompt, "planning a change"):
		return g.planReply, g.planErr
	case strings.Contains(prompt, "test engineer"):
		return g.testReply, g.testErr
	default:
		return g.codeReply, g.codeErr
	}
}

func req() ChangeRequest {
	return ChangeRequest{
		SessionID:   "s1",
		Repo:        "octo/app",
		BaseBranch:  "main",
		Description: "add a login button",
		RepoContext: "src/app.ts\nsrc/components/",
	}
}

func TestRun_AllStages(t *testing.T) {
	g := &scriptedGen{
		planReply: "src/components/LoginButton.tsx\n",
		codeReply: "```tsx\nexport const LoginButton = () => null;\n```",
		testReply: "```tsx\ntest('renders', () => {});\n```",
	}
	p := New(g, time.Second, nil)
	art, err := p.Run(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, []string{"src/components/LoginButton.tsx"}, art.PlannedFiles)
	require.Len(t, art.Files, 1)
	require.Equal(t, "export const LoginButton = () => null;", art.Files[0].Content)
	require.Len(t, art.Tests, 1)
	require.Equal(t, "src/components/LoginButton.test.tsx", art.Tests[0].Path)
	require.Contains(t, art.Narration, "add a login button")
}

func TestRun_StageTags(t *testing.T) {
	cases := []struct {
		name  string
		gen   *scriptedGen
		stage Stage
	}{
		{"planning", &scriptedGen{planErr: errors.New("boom")}, StagePlanning},
		{"empty_plan", &scriptedGen{planReply: "I could not decide on any files here"}, StagePlanning},
		{"codegen", &scriptedGen{planReply: "a.go", codeErr: errors.New("boom")}, StageCodeGen},
		{"testgen", &scriptedGen{planReply: "a.go", codeReply: "package a", testErr: errors.New("boom")}, StageTestGen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.gen, time.Second, nil)
			art, err := p.Run(context.Background(), req())
			require.Error(t, err)
			require.Nil(t, art, "no partial artifact on stage failure")
			require.Equal(t, tc.stage, FailedStage(err))
		})
	}
}

func TestRun_StructurallyReproducible(t *testing.T) {
	g := &scriptedGen{
		planReply: "b.go\na.go\nb.go\n",
		codeReply: "package x",
		testReply: "package x",
	}
	p := New(g, time.Second, nil)
	first, err := p.Run(context.Background(), req())
	require.NoError(t, err)
	second, err := p.Run(context.Background(), req())
	require.NoError(t, err)
	// Same request, same planned files (order preserved, dupes removed).
	require.Equal(t, first.PlannedFiles, second.PlannedFiles)
	require.Equal(t, []string{"b.go", "a.go"}, first.PlannedFiles)
}

func TestRun_SingleFlight(t *testing.T) {
	g := &scriptedGen{
		planReply: "a.go",
		codeReply: "package a",
		testReply: "package a",
		delay:     20 * time.Millisecond,
	}
	p := New(g, time.Second, nil)

	const workers = 16
	var busy, ok int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), req())
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrBusy):
				atomic.AddInt32(&busy, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, workers, busy+ok)
	require.GreaterOrEqual(t, ok, int32(1))
	require.GreaterOrEqual(t, busy, int32(1), "concurrent runs must be rejected, not interleaved")
	require.False(t, p.Running())
}

func TestParsePlan(t *testing.T) {
	out := "```\nsrc/a.go\n```\n- src/b.go\n./src/a.go\nThis line is commentary.\n"
	require.Equal(t, []string{"src/a.go", "src/b.go"}, parsePlan(out))
}

func TestParsePlan_Caps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString(strings.Repeat("x", i+1) + ".go\n")
	}
	require.Len(t, parsePlan(b.String()), maxPlannedFiles)
}

func TestExtractCode(t *testing.T) {
	require.Equal(t, "plain", extractCode("plain"))
	require.Equal(t, "code", extractCode("```go\ncode\n```"))
	require.Equal(t, "code", extractCode("prose\n```\ncode\n```\ntrailing"))
}

func TestTestPathFor(t *testing.T) {
	require.Equal(t, "a/b_test.go", TestPathFor("a/b.go"))
	require.Equal(t, "a/test_b.py", TestPathFor("a/b.py"))
	require.Equal(t, "a/b.test.tsx", TestPathFor("a/b.tsx"))
	require.Equal(t, "a/b_test.rb", TestPathFor("a/b.rb"))
}
