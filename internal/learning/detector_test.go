package learning

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mesh-assistant/internal/domain"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func turn(user, msg string, ts time.Time) domain.ConversationTurn {
	return domain.ConversationTurn{ID: fmt.Sprintf("%s-%d", user, ts.UnixNano()), UserID: user, Message: msg, Timestamp: ts}
}

func ofType(ps []domain.Pattern, typ domain.PatternType) []domain.Pattern {
	var out []domain.Pattern
	for _, p := range ps {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func TestDetect_RecurringQuestionCountsCurrentMessage(t *testing.T) {
	d := NewDetector()
	now := base.Add(2 * time.Hour)
	history := []domain.ConversationTurn{
		turn("u1", "Qual o saldo da conta?", base.Add(time.Hour)),
		turn("u1", "qual o saldo da conta", base),
	}

	got := d.Detect("u1", "Qual o saldo da conta?", history, now)

	require.Len(t, got, 1)
	p := got[0]
	require.Equal(t, domain.PatternRecurringQuestion, p.Type)
	require.Equal(t, 3, p.Occurrences)
	require.InDelta(t, 0.6, p.Confidence, 1e-9)
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, now, p.DetectedAt)
}

func TestDetect_RecurringQuestionNeedsTwoSimilar(t *testing.T) {
	d := NewDetector()
	history := []domain.ConversationTurn{
		turn("u1", "qual o saldo da conta", base),
		turn("u1", "me mostre as vendas de ontem", base.Add(time.Hour)),
	}
	got := d.Detect("u1", "qual o saldo da conta", history, base.Add(2*time.Hour))
	require.Empty(t, ofType(got, domain.PatternRecurringQuestion))
}

func TestDetect_IsDeterministic(t *testing.T) {
	d := NewDetector()
	now := base.Add(72 * time.Hour)
	var history []domain.ConversationTurn
	for i := 0; i < 6; i++ {
		history = append(history, turn("u1", "gerar relatório financeiro", base.Add(time.Duration(i)*24*time.Hour)))
	}

	first := d.Detect("u1", "gerar relatório financeiro, obrigado", history, now)
	second := d.Detect("u1", "gerar relatório financeiro, obrigado", history, now)
	require.NotEmpty(t, first)
	require.Equal(t, first, second)
}

func TestDetect_IgnoresHistoryOutsideLookback(t *testing.T) {
	d := NewDetector()
	now := base.Add(200 * time.Hour)
	history := []domain.ConversationTurn{
		turn("u1", "qual o saldo da conta", base),
		turn("u1", "qual o saldo da conta", base.Add(time.Hour)),
	}
	require.Empty(t, d.Detect("u1", "qual o saldo da conta", history, now))

	d = NewDetector(WithLookback(300 * time.Hour))
	require.Len(t, d.Detect("u1", "qual o saldo da conta", history, now), 1)
}

func TestDetect_IgnoresOtherUsers(t *testing.T) {
	d := NewDetector()
	history := []domain.ConversationTurn{
		turn("u2", "qual o saldo da conta", base),
		turn("u2", "qual o saldo da conta", base.Add(time.Hour)),
	}
	require.Empty(t, d.Detect("u1", "qual o saldo da conta", history, base.Add(2*time.Hour)))
}

func TestDetect_DailyRoutine(t *testing.T) {
	d := NewDetector()
	history := []domain.ConversationTurn{
		turn("u1", "primeira", base),
		turn("u1", "segunda", base.Add(24*time.Hour)),
		turn("u1", "terceira", base.Add(48*time.Hour)),
		turn("u1", "quarta", base.Add(53*time.Hour)),
	}

	routines := ofType(d.Detect("u1", "quinta", history, base.Add(72*time.Hour)), domain.PatternDailyRoutine)

	require.Len(t, routines, 1)
	require.Equal(t, 3, routines[0].Occurrences)
	require.InDelta(t, 0.45, routines[0].Confidence, 1e-9)
	require.Equal(t, "9", routines[0].Detail["peak_hour"])
	require.Equal(t, "morning", routines[0].Detail["time_period"])
}

func TestDetect_DailyRoutineTieTakesEarliestHour(t *testing.T) {
	d := NewDetector()
	var history []domain.ConversationTurn
	for day := 0; day < 3; day++ {
		start := base.Add(time.Duration(day) * 24 * time.Hour)
		history = append(history,
			turn("u1", fmt.Sprintf("tarde %d", day), start.Add(11*time.Hour)),
			turn("u1", fmt.Sprintf("manha %d", day), start),
		)
	}

	routines := ofType(d.Detect("u1", "x", history, base.Add(100*time.Hour)), domain.PatternDailyRoutine)

	require.Len(t, routines, 1)
	require.Equal(t, "9", routines[0].Detail["peak_hour"])
}

func TestTimePeriod(t *testing.T) {
	for hour, want := range map[int]string{
		4: "night", 5: "morning", 11: "morning", 12: "afternoon",
		17: "afternoon", 18: "evening", 21: "evening", 22: "night", 0: "night",
	} {
		require.Equal(t, want, timePeriod(hour), "hour %d", hour)
	}
}

func TestDetect_TopicSequence(t *testing.T) {
	d := NewDetector()
	history := []domain.ConversationTurn{
		turn("u1", "qual o orçamento", base),
		turn("u1", "gerar relatório", base.Add(time.Hour)),
		turn("u1", "qual o orçamento", base.Add(2*time.Hour)),
		turn("u1", "gerar relatório", base.Add(3*time.Hour)),
	}

	seqs := ofType(d.Detect("u1", "obrigado", history, base.Add(4*time.Hour)), domain.PatternTopicSequence)

	require.Len(t, seqs, 1)
	require.Equal(t, "finance -> report", seqs[0].Detail["sequence"])
	require.Equal(t, 2, seqs[0].Occurrences)
	require.InDelta(t, 0.5, seqs[0].Confidence, 1e-9)
}

func TestDetect_TopicSequenceNeedsThreeTurns(t *testing.T) {
	history := []domain.ConversationTurn{
		turn("u1", "orçamento", base),
		turn("u1", "orçamento", base.Add(time.Hour)),
	}
	require.Empty(t, topicSequences(history))
}

func TestTopicOf(t *testing.T) {
	cases := map[string]string{
		"Qual o faturamento do mês?":  "finance",
		"Abra o dashboard":            "report",
		"Preciso de ajuda":            "help",
		"consultar registros antigos": "data",
		"qual a situação do pedido":   "status",
		"Bom dia!":                    "greeting",
		"oitenta e cinco":             "general",
	}
	for msg, want := range cases {
		require.Equal(t, want, topicOf(msg), msg)
	}
}

func TestDetect_SatisfactionSignal(t *testing.T) {
	d := NewDetector()

	got := ofType(d.Detect("u1", "Não entendi, está errado", nil, base), domain.PatternSatisfactionSignal)
	require.Len(t, got, 1)
	require.Equal(t, "negative", got[0].Detail["sentiment"])
	require.Equal(t, "-2", got[0].Detail["score"])
	require.InDelta(t, 0.6, got[0].Confidence, 1e-9)

	got = ofType(d.Detect("u1", "Perfeito, muito obrigado!", nil, base), domain.PatternSatisfactionSignal)
	require.Len(t, got, 1)
	require.Equal(t, "positive", got[0].Detail["sentiment"])

	require.Empty(t, ofType(d.Detect("u1", "obrigado, mas está errado", nil, base), domain.PatternSatisfactionSignal))
}

func TestDetect_CommandPatterns(t *testing.T) {
	d := NewDetector()

	got := d.Detect("u1", "Pode gerar um relatório de vendas?", nil, base)
	require.Len(t, got, 1)
	require.Equal(t, "report_request", got[0].Detail["command_type"])
	require.Equal(t, commandConfidence, got[0].Confidence)

	got = d.Detect("u1", "Quanto foi o total comparado com o mês passado?", nil, base)
	require.Len(t, got, 2)
	require.Equal(t, "calculation", got[0].Detail["command_type"])
	require.Equal(t, "comparison", got[1].Detail["command_type"])
}

func TestDetect_RetainsRecentPatterns(t *testing.T) {
	d := NewDetector(WithRetainedPatterns(3))
	require.Nil(t, d.Recent("u1"))

	d.Detect("u1", "Quanto foi o total comparado com o mês passado?", nil, base)
	d.Detect("u1", "Pode gerar um relatório?", nil, base.Add(time.Minute))

	recent := d.Recent("u1")
	require.Len(t, recent, 3)
	require.Equal(t, "report_request", recent[2].Detail["command_type"])
	require.Equal(t, 1, d.Users())

	d.Forget("u1")
	require.Nil(t, d.Recent("u1"))
}

func TestSortPatternsAndTop(t *testing.T) {
	ps := []domain.Pattern{
		{Type: domain.PatternCommand, Description: "b", Confidence: 0.8},
		{Type: domain.PatternRecurringQuestion, Description: "r", Confidence: 0.4},
		{Type: domain.PatternCommand, Description: "a", Confidence: 0.8},
		{Type: domain.PatternDailyRoutine, Description: "d", Confidence: 0.9},
	}
	sortPatterns(ps)
	require.Equal(t, []string{"r", "d", "a", "b"}, []string{ps[0].Description, ps[1].Description, ps[2].Description, ps[3].Description})

	top := TopPatterns(ps, 2)
	require.Len(t, top, 2)
	require.Equal(t, "d", top[0].Description)
	require.Equal(t, "a", top[1].Description)
}

func TestDetectPreferences(t *testing.T) {
	cases := []struct {
		msg  string
		want map[string]string
	}{
		{"Eu prefiro respostas curtas.", map[string]string{"prefers": "respostas curtas"}},
		{"I don't like long answers", map[string]string{"dislikes": "long answers"}},
		{"Não gosto de gráficos, gosto de tabelas", map[string]string{"dislikes": "gráficos", "likes": "tabelas"}},
		{"I like charts and I prefer euros", map[string]string{"likes": "charts and I prefer euros", "prefers": "euros"}},
		{"qual o saldo?", map[string]string{}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, detectPreferences(tc.msg), tc.msg)
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet(normalize("Qual o saldo?"))
	b := tokenSet(normalize("qual o saldo da conta"))
	require.InDelta(t, 0.6, jaccard(a, b), 1e-9)
	require.Zero(t, jaccard(a, nil))
	require.Equal(t, "a b c", normalize("  A,b!!  c "))
}

func TestAnalyze_DoesNotRetain(t *testing.T) {
	d := NewDetector()
	got := d.Analyze("u1", "Pode gerar um relatório?", nil, base)
	require.Len(t, got, 1)
	require.Nil(t, d.Recent("u1"))
}
