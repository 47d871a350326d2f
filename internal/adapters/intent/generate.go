package intent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
)

// Generate produces the assistant's reply for a classified intent. Upstream
// failures fall back to the strategy templates.
func (e *Engine) Generate(ctx context.Context, intent *models.Intent, callCtx *models.CallContext, profile *models.PersonalityProfile) (*models.Response, error) {
	if intent == nil {
		return nil, fmt.Errorf("%w: nil intent", domain.ErrInvalidInput)
	}
	if profile == nil {
		profile = models.DefaultPersonality()
	}
	strategy := pickStrategy(intent, callCtx)
	if !e.remote() {
		return templateResponse(strategy, callCtx), nil
	}

	var resp *models.Response
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var gerr error
		resp, gerr = e.generateRemote(ctx, intent, callCtx, profile, strategy)
		return gerr
	})
	if err != nil {
		log.Printf("WARNING: intent: remote generation failed, using template: %v", err)
		return templateResponse(strategy, callCtx), nil
	}
	return resp, nil
}

// pickStrategy mirrors the persistence ladder and chooses the lateral opening
// move by category: surveys get questioned, money pitches get deflected,
// everything else gets a polite decline.
func pickStrategy(intent *models.Intent, callCtx *models.CallContext) models.ResponseStrategy {
	if callCtx != nil {
		if callCtx.MessageCount >= 5 || callCtx.Duration >= 2*time.Minute || intent.EmotionalTone == models.ToneAggressive {
			return models.StrategyCallTermination
		}
		if callCtx.MessageCount > 3 {
			return models.StrategyFirmRejection
		}
	}
	switch intent.Category {
	case models.IntentSurvey:
		return models.StrategyInformationGathering
	case models.IntentLoanOffer, models.IntentInvestmentPitch:
		return models.StrategyHumorDeflection
	default:
		return models.StrategyPoliteDecline
	}
}

var strategyDirectives = map[models.ResponseStrategy]string{
	models.StrategyPoliteDecline:        "礼貌地拒绝对方。",
	models.StrategyFirmRejection:        "明确坚决地拒绝,并要求对方不要再来电。",
	models.StrategyHumorDeflection:      "用幽默的方式岔开话题,拖住对方。",
	models.StrategyInformationGathering: "反问对方是哪家公司、来电目的是什么。",
	models.StrategyCallTermination:      "告知对方你要挂断电话了。",
}

func (e *Engine) generateRemote(ctx context.Context, intent *models.Intent, callCtx *models.CallContext, profile *models.PersonalityProfile, strategy models.ResponseStrategy) (*models.Response, error) {
	system := fmt.Sprintf(
		"你是替机主接听骚扰电话的助手%s,风格%s,语气%s。%s"+
			"用一句不超过25个字的中文回复来电者,只输出这句话,不要解释,不要加引号。",
		profile.Name, profile.Style, profile.Politeness, strategyDirectives[strategy])

	var b strings.Builder
	fmt.Fprintf(&b, "来电意图:%s(%s)\n", intent.Label, intent.Category)
	if callCtx != nil && len(callCtx.RecentTranscripts) > 0 {
		fmt.Fprintf(&b, "来电者最近说:%s\n", strings.Join(callCtx.RecentTranscripts, " / "))
	}

	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
	content, err := e.chat(ctx, "generate", messages, false)
	if err != nil {
		return nil, err
	}
	text := strings.Trim(strings.TrimSpace(content), "\"“”")
	if text == "" {
		return nil, fmt.Errorf("chat reply carries no text")
	}

	return &models.Response{
		Text:            text,
		Strategy:        strategy,
		Confidence:      0.9,
		ShouldTerminate: shouldTerminate(strategy, text),
	}, nil
}

// responseTemplates back the generator per strategy; the variant rotates with
// the message count so a persistent caller hears different phrasings.
var responseTemplates = map[models.ResponseStrategy][]string{
	models.StrategyPoliteDecline: {
		"谢谢你的介绍,不过我暂时不需要。",
		"不好意思,我对这个不感兴趣。",
		"暂时不考虑,谢谢。",
	},
	models.StrategyFirmRejection: {
		"我已经说过不需要了,请把我的号码从名单里删掉。",
		"请不要再打这个电话了。",
	},
	models.StrategyHumorDeflection: {
		"巧了,我也正想向你推荐一个项目。",
		"钱就不用帮我理了,我自己都理不过来。",
	},
	models.StrategyInformationGathering: {
		"你们是哪家公司?从哪里拿到我的号码的?",
		"这个调查是谁委托的?要多长时间?",
	},
	models.StrategyCallTermination: {
		"我要挂断了,请勿再来电。",
	},
}

func templateResponse(strategy models.ResponseStrategy, callCtx *models.CallContext) *models.Response {
	variants := responseTemplates[strategy]
	idx := 0
	if callCtx != nil && len(variants) > 1 {
		idx = callCtx.MessageCount % len(variants)
	}
	text := variants[idx]
	return &models.Response{
		Text:            text,
		Strategy:        strategy,
		Confidence:      0.7,
		ShouldTerminate: shouldTerminate(strategy, text),
	}
}

func shouldTerminate(strategy models.ResponseStrategy, text string) bool {
	return strategy == models.StrategyCallTermination || models.ContainsTerminationKeyword(text)
}
