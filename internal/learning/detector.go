package learning

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"mesh-assistant/internal/domain"
)

const (
	// DefaultLookback bounds the history considered by the detector.
	DefaultLookback = 168 * time.Hour
	// DefaultRetainedPatterns is how many detected patterns are kept per user.
	DefaultRetainedPatterns = 100

	minSimilarity      = 0.7
	minSimilarMessages = 2
	minRoutineCount    = 3
	minSequenceCount   = 2
	sequenceWindow     = 10
	minSequenceHistory = 3
	commandConfidence  = 0.8
)

var patternRank = map[domain.PatternType]int{
	domain.PatternRecurringQuestion:  0,
	domain.PatternDailyRoutine:       1,
	domain.PatternTopicSequence:      2,
	domain.PatternSatisfactionSignal: 3,
	domain.PatternCommand:            4,
}

type topicRule struct {
	topic    string
	keywords []string
}

// Checked in order; the first matching topic wins.
var topicRules = []topicRule{
	{topic: "finance", keywords: []string{"financeiro", "orçamento", "custo", "receita", "faturamento", "finance", "budget", "revenue"}},
	{topic: "report", keywords: []string{"relatório", "report", "dashboard", "análise"}},
	{topic: "help", keywords: []string{"ajuda", "dúvida", "como", "tutorial", "help"}},
	{topic: "data", keywords: []string{"dados", "informação", "buscar", "consultar", "data"}},
	{topic: "status", keywords: []string{"status", "situação", "andamento"}},
	{topic: "greeting", keywords: []string{"olá", "oi", "bom dia", "boa tarde", "boa noite", "hello", "hi"}},
}

const topicGeneral = "general"

type commandRule struct {
	name string
	re   *regexp.Regexp
}

var commandRules = []commandRule{
	{name: "report_request", re: regexp.MustCompile(`(gerar?|criar?|fazer?|montar?|generate|create|build).*(relatório|report|dashboard)`)},
	{name: "data_query", re: regexp.MustCompile(`(buscar?|procurar?|encontrar?|listar?|find|search|list).*(dados?|informaç|registros?|records?|data)`)},
	{name: "help_request", re: regexp.MustCompile(`(ajuda|help|socorro|dúvida|como|tutorial)`)},
	{name: "status_check", re: regexp.MustCompile(`(status|situação|andamento|progresso|progress)`)},
	{name: "calculation", re: regexp.MustCompile(`(calcular?|somar?|média|total|quanto|calculate|average|how much)`)},
	{name: "comparison", re: regexp.MustCompile(`(comparar?|diferença|versus|melhor|pior|compare|difference)`)},
}

// Detector mines behavioral patterns from a user's recent history. Detection
// is a pure function of its inputs; the detector also keeps the most recent
// results per user for insight queries.
type Detector struct {
	lookback time.Duration
	retain   int

	recent sync.Map // userID -> *patternLog
}

type patternLog struct {
	mu    sync.Mutex
	items []domain.Pattern
}

type DetectorOption func(*Detector)

func WithLookback(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.lookback = d
		}
	}
}

func WithRetainedPatterns(n int) DetectorOption {
	return func(det *Detector) {
		if n > 0 {
			det.retain = n
		}
	}
}

func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{lookback: DefaultLookback, retain: DefaultRetainedPatterns}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the patterns visible in message and history as of now, and
// appends them to the user's retained log. History may arrive in any order.
func (d *Detector) Detect(userID, message string, history []domain.ConversationTurn, now time.Time) []domain.Pattern {
	patterns := d.Analyze(userID, message, history, now)
	d.remember(userID, patterns)
	return patterns
}

// Analyze is Detect without retention.
func (d *Detector) Analyze(userID, message string, history []domain.ConversationTurn, now time.Time) []domain.Pattern {
	patterns := d.detect(message, d.window(userID, history, now))
	for i := range patterns {
		patterns[i].UserID = userID
		patterns[i].DetectedAt = now.UTC()
	}
	sortPatterns(patterns)
	return patterns
}

// Recent returns a copy of the retained patterns for userID, oldest first.
func (d *Detector) Recent(userID string) []domain.Pattern {
	v, ok := d.recent.Load(userID)
	if !ok {
		return nil
	}
	log := v.(*patternLog)
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]domain.Pattern, len(log.items))
	copy(out, log.items)
	return out
}

// Users reports how many users have retained patterns.
func (d *Detector) Users() int {
	n := 0
	d.recent.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Forget drops the retained patterns of userID.
func (d *Detector) Forget(userID string) {
	d.recent.Delete(userID)
}

func (d *Detector) remember(userID string, patterns []domain.Pattern) {
	if len(patterns) == 0 {
		return
	}
	v, _ := d.recent.LoadOrStore(userID, &patternLog{})
	log := v.(*patternLog)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.items = append(log.items, patterns...)
	if over := len(log.items) - d.retain; over > 0 {
		log.items = append([]domain.Pattern(nil), log.items[over:]...)
	}
}

// window keeps the user's turns inside the lookback, oldest first.
func (d *Detector) window(userID string, history []domain.ConversationTurn, now time.Time) []domain.ConversationTurn {
	cutoff := now.Add(-d.lookback)
	out := make([]domain.ConversationTurn, 0, len(history))
	for _, t := range history {
		if t.UserID != "" && t.UserID != userID {
			continue
		}
		if t.Timestamp.Before(cutoff) || t.Timestamp.After(now) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (d *Detector) detect(message string, history []domain.ConversationTurn) []domain.Pattern {
	var out []domain.Pattern
	if p, ok := recurringQuestion(message, history); ok {
		out = append(out, p)
	}
	if p, ok := dailyRoutine(history); ok {
		out = append(out, p)
	}
	out = append(out, topicSequences(history)...)
	if p, ok := satisfactionSignal(message); ok {
		out = append(out, p)
	}
	out = append(out, commandPatterns(message)...)
	return out
}

func recurringQuestion(message string, history []domain.ConversationTurn) (domain.Pattern, bool) {
	current := tokenSet(normalize(message))
	if len(current) == 0 {
		return domain.Pattern{}, false
	}
	similar := 0
	for _, t := range history {
		if jaccard(current, tokenSet(normalize(t.Message))) >= minSimilarity {
			similar++
		}
	}
	if similar < minSimilarMessages {
		return domain.Pattern{}, false
	}
	occ := similar + 1
	return domain.Pattern{
		Type:        domain.PatternRecurringQuestion,
		Description: "Recurring question",
		Confidence:  capped(0.9, 0.2*float64(occ)),
		Occurrences: occ,
		Detail:      map[string]string{"suggestion": "consider a standard answer or FAQ entry"},
	}, true
}

func dailyRoutine(history []domain.ConversationTurn) (domain.Pattern, bool) {
	var hours [24]int
	for _, t := range history {
		hours[t.Timestamp.UTC().Hour()]++
	}
	peak := 0
	for h := 1; h < 24; h++ {
		if hours[h] > hours[peak] {
			peak = h
		}
	}
	n := hours[peak]
	if n < minRoutineCount {
		return domain.Pattern{}, false
	}
	period := timePeriod(peak)
	return domain.Pattern{
		Type:        domain.PatternDailyRoutine,
		Description: fmt.Sprintf("Usually active in the %s (around %02d:00 UTC)", period, peak),
		Confidence:  capped(0.8, 0.15*float64(n)),
		Occurrences: n,
		Detail: map[string]string{
			"peak_hour":   strconv.Itoa(peak),
			"time_period": period,
		},
	}, true
}

func timePeriod(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

func topicOf(message string) string {
	t := newText(message)
	for _, rule := range topicRules {
		if t.any(rule.keywords) {
			return rule.topic
		}
	}
	return topicGeneral
}

func topicSequences(history []domain.ConversationTurn) []domain.Pattern {
	if len(history) < minSequenceHistory {
		return nil
	}
	recent := history
	if len(recent) > sequenceWindow {
		recent = recent[len(recent)-sequenceWindow:]
	}
	topics := make([]string, 0, len(recent))
	for _, t := range recent {
		if strings.TrimSpace(t.Message) == "" {
			continue
		}
		topics = append(topics, topicOf(t.Message))
	}

	counts := map[string]int{}
	var order []string
	for size := 2; size <= 3; size++ {
		for i := 0; i+size <= len(topics); i++ {
			key := strings.Join(topics[i:i+size], " -> ")
			if counts[key] == 0 {
				order = append(order, key)
			}
			counts[key]++
		}
	}

	var out []domain.Pattern
	for _, seq := range order {
		n := counts[seq]
		if n < minSequenceCount {
			continue
		}
		out = append(out, domain.Pattern{
			Type:        domain.PatternTopicSequence,
			Description: "Topic sequence: " + seq,
			Confidence:  capped(0.7, 0.25*float64(n)),
			Occurrences: n,
			Detail:      map[string]string{"sequence": seq},
		})
	}
	return out
}

func satisfactionSignal(message string) (domain.Pattern, bool) {
	pos, neg := sentiment(newText(message))
	score := pos - neg
	if score == 0 {
		return domain.Pattern{}, false
	}
	label, desc := "positive", "Satisfaction signal"
	if score < 0 {
		label, desc = "negative", "Dissatisfaction signal"
	}
	return domain.Pattern{
		Type:        domain.PatternSatisfactionSignal,
		Description: desc,
		Confidence:  capped(0.9, 0.3*float64(abs(score))),
		Occurrences: pos + neg,
		Detail: map[string]string{
			"sentiment": label,
			"score":     strconv.Itoa(score),
		},
	}, true
}

func commandPatterns(message string) []domain.Pattern {
	lower := strings.ToLower(message)
	var out []domain.Pattern
	for _, rule := range commandRules {
		if !rule.re.MatchString(lower) {
			continue
		}
		out = append(out, domain.Pattern{
			Type:        domain.PatternCommand,
			Description: "Command: " + rule.name,
			Confidence:  commandConfidence,
			Occurrences: 1,
			Detail:      map[string]string{"command_type": rule.name},
		})
	}
	return out
}

func sortPatterns(ps []domain.Pattern) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if patternRank[a.Type] != patternRank[b.Type] {
			return patternRank[a.Type] < patternRank[b.Type]
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Description < b.Description
	})
}

// TopPatterns returns up to n patterns ordered by confidence.
func TopPatterns(ps []domain.Pattern, n int) []domain.Pattern {
	out := append([]domain.Pattern(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func capped(limit, v float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
