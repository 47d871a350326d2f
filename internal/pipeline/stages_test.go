package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/domain/models"
)

func TestEscalationStrategy(t *testing.T) {
	tests := []struct {
		name     string
		messages int
		duration time.Duration
		tone     models.EmotionalTone
		want     models.ResponseStrategy
	}{
		{"first message", 1, time.Second, models.ToneNeutral, models.StrategyPoliteDecline},
		{"third message", 3, 30 * time.Second, models.TonePersuasive, models.StrategyPoliteDecline},
		{"fourth message", 4, 30 * time.Second, models.ToneNeutral, models.StrategyFirmRejection},
		{"fifth message", 5, 40 * time.Second, models.ToneNeutral, models.StrategyCallTermination},
		{"long call", 2, 2 * time.Minute, models.ToneNeutral, models.StrategyCallTermination},
		{"aggressive tone", 1, time.Second, models.ToneAggressive, models.StrategyCallTermination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCtx := &models.CallContext{
				MessageCount: tt.messages,
				Duration:     tt.duration,
			}
			if got := escalationStrategy(callCtx, tt.tone); got != tt.want {
				t.Errorf("escalationStrategy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPostProcessText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "不需要,谢谢。", "不需要,谢谢。"},
		{"role prefix ascii", "Assistant: 不需要", "不需要"},
		{"role prefix fullwidth", "助手：不用了", "不用了"},
		{"whitespace collapse", "不  需要\n谢谢", "不 需要 谢谢"},
		{"leading spaces", "   回复: 好的 ", "好的"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postProcessText(tt.in); got != tt.want {
				t.Errorf("postProcessText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPostProcessTextTruncates(t *testing.T) {
	long := strings.Repeat("不", 80)
	got := postProcessText(long)
	if runes := []rune(got); len(runes) != maxResponseRunes {
		t.Errorf("truncated length = %d runes, want %d", len(runes), maxResponseRunes)
	}
}

func TestFinalizeResponseLadderIsAFloor(t *testing.T) {
	tests := []struct {
		name      string
		generated models.ResponseStrategy
		ladder    models.ResponseStrategy
		want      models.ResponseStrategy
	}{
		{"empty takes ladder", "", models.StrategyPoliteDecline, models.StrategyPoliteDecline},
		{"humor below firm", models.StrategyHumorDeflection, models.StrategyFirmRejection, models.StrategyFirmRejection},
		{"firm above polite", models.StrategyFirmRejection, models.StrategyPoliteDecline, models.StrategyFirmRejection},
		{"termination wins", models.StrategyHumorDeflection, models.StrategyCallTermination, models.StrategyCallTermination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &models.Response{Text: "不需要", Strategy: tt.generated}
			finalizeResponse(resp, tt.ladder)
			if resp.Strategy != tt.want {
				t.Errorf("strategy = %s, want %s", resp.Strategy, tt.want)
			}
		})
	}
}

func TestFinalizeResponseTermination(t *testing.T) {
	resp := &models.Response{Text: "好的", Strategy: models.StrategyPoliteDecline}
	finalizeResponse(resp, models.StrategyPoliteDecline)
	if resp.ShouldTerminate {
		t.Error("polite response should not terminate")
	}

	resp = &models.Response{Text: "我要挂断了", Strategy: models.StrategyPoliteDecline}
	finalizeResponse(resp, models.StrategyPoliteDecline)
	if !resp.ShouldTerminate {
		t.Error("termination keyword must force shouldTerminate")
	}

	resp = &models.Response{Text: "好的", Strategy: ""}
	finalizeResponse(resp, models.StrategyCallTermination)
	if !resp.ShouldTerminate {
		t.Error("callTermination strategy must force shouldTerminate")
	}
}

func TestFallbackResponses(t *testing.T) {
	for _, strategy := range []models.ResponseStrategy{
		models.StrategyPoliteDecline,
		models.StrategyFirmRejection,
		models.StrategyCallTermination,
	} {
		resp := fallbackResponse(strategy)
		if resp.Text == "" {
			t.Errorf("fallback for %s has empty text", strategy)
		}
		if len([]rune(resp.Text)) > maxResponseRunes {
			t.Errorf("fallback for %s exceeds %d runes", strategy, maxResponseRunes)
		}
		if resp.Confidence >= 0.5 {
			t.Errorf("fallback for %s should carry low confidence, got %v", strategy, resp.Confidence)
		}
		finalizeResponse(resp, strategy)
		if terminates := resp.ShouldTerminate; terminates != (strategy == models.StrategyCallTermination) {
			t.Errorf("fallback for %s: shouldTerminate = %v", strategy, terminates)
		}
	}
}

func TestTextKey(t *testing.T) {
	a := textKey("c1", "推销电话")
	if b := textKey("c1", "推销电话"); b != a {
		t.Error("same inputs must hash equal")
	}
	if b := textKey("c2", "推销电话"); b == a {
		t.Error("different calls must not collide")
	}
	if b := textKey("c1", "贷款"); b == a {
		t.Error("different texts must not collide")
	}
}
