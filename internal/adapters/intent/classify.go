package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
)

const classifySystemPrompt = "你是骚扰电话识别助手。判断来电者这句话的意图," +
	"只输出一个JSON对象,不要任何其他文字。字段:" +
	"label(简短的意图标签)、" +
	"category(salesCall、loanOffer、investmentPitch、insuranceSales、survey、telemarketing、unknown之一)、" +
	"confidence(0到1的小数)、" +
	"emotional_tone(neutral、friendly、aggressive、persuasive、urgent、confused之一)、" +
	"entities(字符串到字符串的对象,没有可省略)。"

// Classify maps one utterance to a structured intent. Upstream failures never
// propagate: the keyword classifier answers whenever the chat service cannot.
func (e *Engine) Classify(ctx context.Context, text string, callCtx *models.CallContext) (*models.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", domain.ErrInvalidInput)
	}
	if !e.remote() {
		return keywordClassify(text), nil
	}

	var intent *models.Intent
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		intent, cerr = e.classifyRemote(ctx, text, callCtx)
		return cerr
	})
	if err != nil {
		log.Printf("WARNING: intent: remote classification failed, using keywords: %v", err)
		return keywordClassify(text), nil
	}
	return intent, nil
}

func (e *Engine) classifyRemote(ctx context.Context, text string, callCtx *models.CallContext) (*models.Intent, error) {
	messages := []chatMessage{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: classifyUserPrompt(text, callCtx)},
	}
	content, err := e.chat(ctx, "classify", messages, true)
	if err != nil {
		return nil, err
	}
	return parseClassification(content)
}

func classifyUserPrompt(text string, callCtx *models.CallContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "来电者说:%q\n", text)
	if callCtx == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "通话已进行%d秒,这是第%d句。\n", int(callCtx.Duration.Seconds()), callCtx.MessageCount)
	if len(callCtx.RecentTranscripts) > 0 {
		fmt.Fprintf(&b, "此前语句:%s\n", strings.Join(callCtx.RecentTranscripts, " / "))
	}
	if len(callCtx.RecentIntents) > 0 {
		labels := make([]string, 0, len(callCtx.RecentIntents))
		for _, it := range callCtx.RecentIntents {
			labels = append(labels, it.Label)
		}
		fmt.Fprintf(&b, "此前意图:%s\n", strings.Join(labels, " / "))
	}
	return b.String()
}

type classification struct {
	Label         string            `json:"label"`
	Category      string            `json:"category"`
	Confidence    float64           `json:"confidence"`
	EmotionalTone string            `json:"emotional_tone"`
	Entities      map[string]string `json:"entities"`
}

var validCategories = map[models.IntentCategory]bool{
	models.IntentSalesCall:       true,
	models.IntentLoanOffer:       true,
	models.IntentInvestmentPitch: true,
	models.IntentInsuranceSales:  true,
	models.IntentSurvey:          true,
	models.IntentTelemarketing:   true,
	models.IntentUnknown:         true,
}

var validTones = map[models.EmotionalTone]bool{
	models.ToneNeutral:    true,
	models.ToneFriendly:   true,
	models.ToneAggressive: true,
	models.TonePersuasive: true,
	models.ToneUrgent:     true,
	models.ToneConfused:   true,
}

// parseClassification decodes the model's JSON object and normalizes it into
// the domain vocabulary. Out-of-vocabulary values degrade to unknown/neutral
// instead of failing the chunk.
func parseClassification(content string) (*models.Intent, error) {
	object := jsonObject(content)
	if object == "" {
		return nil, fmt.Errorf("no JSON object in reply: %s", truncateBody([]byte(content)))
	}
	var c classification
	if err := json.Unmarshal([]byte(object), &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}

	category := models.IntentCategory(c.Category)
	if !validCategories[category] {
		category = models.IntentUnknown
	}
	tone := models.EmotionalTone(c.EmotionalTone)
	if !validTones[tone] {
		tone = models.ToneNeutral
	}
	confidence := c.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	label := strings.TrimSpace(c.Label)
	if label == "" {
		label = string(category)
	}

	return &models.Intent{
		Label:         label,
		Confidence:    confidence,
		Category:      category,
		EmotionalTone: tone,
		Entities:      c.Entities,
	}, nil
}

// jsonObject cuts the outermost object out of content, tolerating markdown
// fences and prose around it.
func jsonObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// keywordCategories map caller vocabulary to categories; first match wins, so
// the more specific phrases sit above the generic ones.
var keywordCategories = []struct {
	keyword  string
	category models.IntentCategory
}{
	{"电话营销", models.IntentTelemarketing},
	{"贷款", models.IntentLoanOffer},
	{"借款", models.IntentLoanOffer},
	{"利息", models.IntentLoanOffer},
	{"额度", models.IntentLoanOffer},
	{"投资", models.IntentInvestmentPitch},
	{"理财", models.IntentInvestmentPitch},
	{"股票", models.IntentInvestmentPitch},
	{"收益", models.IntentInvestmentPitch},
	{"保险", models.IntentInsuranceSales},
	{"保单", models.IntentInsuranceSales},
	{"调查", models.IntentSurvey},
	{"问卷", models.IntentSurvey},
	{"回访", models.IntentSurvey},
	{"推销", models.IntentSalesCall},
	{"促销", models.IntentSalesCall},
	{"优惠", models.IntentSalesCall},
	{"活动", models.IntentSalesCall},
	{"产品", models.IntentSalesCall},
}

var toneMarkers = []struct {
	marker string
	tone   models.EmotionalTone
}{
	{"必须", models.ToneAggressive},
	{"警告", models.ToneAggressive},
	{"否则", models.ToneAggressive},
	{"马上", models.ToneUrgent},
	{"立即", models.ToneUrgent},
	{"最后一天", models.ToneUrgent},
	{"免费", models.TonePersuasive},
	{"优惠", models.TonePersuasive},
	{"机会", models.TonePersuasive},
}

// keywordClassify is the deterministic fallback. A keyword hit earns moderate
// confidence; a miss stays above the pipeline's hard-failure floor so the two
// outcomes remain distinguishable downstream.
func keywordClassify(text string) *models.Intent {
	intent := &models.Intent{
		Label:         "unclassified",
		Confidence:    0.3,
		Category:      models.IntentUnknown,
		EmotionalTone: models.ToneNeutral,
	}
	for _, kc := range keywordCategories {
		if strings.Contains(text, kc.keyword) {
			intent.Label = kc.keyword
			intent.Category = kc.category
			intent.Confidence = 0.6
			break
		}
	}
	for _, tm := range toneMarkers {
		if strings.Contains(text, tm.marker) {
			intent.EmotionalTone = tm.tone
			break
		}
	}
	return intent
}
