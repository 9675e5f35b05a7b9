package survey

import (
	"strconv"
	"strings"
)

// Polarity is the tri-state answer class for yes/no questions.
type Polarity string

const (
	Affirmative Polarity = "affirmative"
	Negative    Polarity = "negative"
	Uncertain   Polarity = "uncertain"
)

// ValueKind discriminates normalized answer values.
type ValueKind string

const (
	ValuePolarity ValueKind = "polarity"
	ValueRating   ValueKind = "rating"
	ValueText     ValueKind = "text"
)

// Value is a canonical answer. A nil *Value means the transcript was
// unintelligible for the question.
type Value struct {
	Kind     ValueKind `json:"kind"`
	Polarity Polarity  `json:"polarity,omitempty"`
	Rating   int       `json:"rating,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// Canonical returns a stable string form of the value, used when computing
// submission idempotency hashes. A nil value renders as "null".
func (v *Value) Canonical() string {
	if v == nil {
		return "null"
	}
	switch v.Kind {
	case ValuePolarity:
		return string(v.Polarity)
	case ValueRating:
		return strconv.Itoa(v.Rating)
	default:
		return v.Text
	}
}

// Result is the outcome of normalizing one transcript.
type Result struct {
	Value      *Value  `json:"value"`
	Confidence float64 `json:"confidence"`
}

const (
	matchConfidence    = 0.9
	uncertainMatchConf = 0.75
	freeTextConfidence = 0.7
	floorConfidence    = 0.3
)

// Token sets for yes/no classification, checked in fixed order:
// affirmative, then negative, then uncertain. Matching is substring
// containment on the folded transcript.
var (
	affirmativeTokens = []string{
		"نعم", "ايوه", "اجل", "اكيد", "طبعا", "تمام", "صحيح", "موافق", "بالتاكيد",
		"yes", "yeah", "yep", "sure", "certainly", "of course", "correct", "okay",
	}
	negativeTokens = []string{
		"لا", "كلا", "ابدا", "مستحيل", "رافض", "معارض",
		"no", "nope", "never", "not", "wrong", "disagree",
	}
	uncertainTokens = []string{
		"ربما", "يمكن", "ممكن", "محتمل",
		"maybe", "perhaps", "possibly", "unsure", "uncertain",
	}
)

// Normalize maps a raw transcript to a canonical value for the question.
// sttConfidence is the engine-reported score in [0,1]; pass 0 when the
// engine does not report one, and the per-class heuristic applies instead.
// Deterministic and side-effect-free.
func Normalize(transcript string, q Question, sttConfidence float64) Result {
	folded := Fold(transcript)

	switch q.Type {
	case QuestionYesNo:
		return normalizeYesNo(folded, sttConfidence)
	case QuestionRating:
		return normalizeRating(folded, q)
	case QuestionOpenText:
		return normalizeOpenText(transcript, folded, q, sttConfidence)
	default:
		return Result{Value: nil, Confidence: floorConfidence}
	}
}

func normalizeYesNo(folded string, sttConfidence float64) Result {
	for _, set := range []struct {
		tokens []string
		pol    Polarity
		conf   float64
	}{
		{affirmativeTokens, Affirmative, matchConfidence},
		{negativeTokens, Negative, matchConfidence},
		{uncertainTokens, Uncertain, uncertainMatchConf},
	} {
		for _, tok := range set.tokens {
			if strings.Contains(folded, tok) {
				conf := set.conf
				if sttConfidence > 0 {
					conf = sttConfidence
				}
				return Result{
					Value:      &Value{Kind: ValuePolarity, Polarity: set.pol},
					Confidence: conf,
				}
			}
		}
	}
	return Result{Value: nil, Confidence: floorConfidence}
}

func normalizeRating(folded string, q Question) Result {
	n, ok := firstInteger(folded)
	if !ok {
		return Result{Value: nil, Confidence: floorConfidence}
	}
	min, max := q.RatingRange()
	if n < min || n > max {
		return Result{Value: nil, Confidence: floorConfidence}
	}
	return Result{
		Value:      &Value{Kind: ValueRating, Rating: n},
		Confidence: matchConfidence,
	}
}

func normalizeOpenText(raw, folded string, q Question, sttConfidence float64) Result {
	if len(q.Vocabulary) > 0 {
		for _, entry := range q.Vocabulary {
			if strings.Contains(folded, Fold(entry)) {
				conf := matchConfidence
				if sttConfidence > 0 {
					conf = sttConfidence
				}
				return Result{
					Value:      &Value{Kind: ValueText, Text: entry},
					Confidence: conf,
				}
			}
		}
		return Result{Value: nil, Confidence: floorConfidence}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{Value: nil, Confidence: floorConfidence}
	}
	conf := freeTextConfidence
	if sttConfidence > 0 {
		conf = sttConfidence
	}
	return Result{
		Value:      &Value{Kind: ValueText, Text: trimmed},
		Confidence: conf,
	}
}

// NormalizeDigit maps a touch-tone digit to a value for the question type.
// Ratings take the digit directly when in range; yes/no takes 1 as
// affirmative and 2 as negative. Returns nil when the digit does not map.
func NormalizeDigit(digit string, q Question) *Value {
	if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
		return nil
	}
	n := int(digit[0] - '0')

	switch q.Type {
	case QuestionRating:
		min, max := q.RatingRange()
		if n >= min && n <= max {
			return &Value{Kind: ValueRating, Rating: n}
		}
	case QuestionYesNo:
		switch n {
		case 1:
			return &Value{Kind: ValuePolarity, Polarity: Affirmative}
		case 2:
			return &Value{Kind: ValuePolarity, Polarity: Negative}
		}
	}
	return nil
}

// numberWords maps spoken number words to digits for rating extraction.
var numberWords = map[string]int{
	"واحد": 1, "اثنان": 2, "اثنين": 2, "ثلاثه": 3, "تلاته": 3, "اربعه": 4,
	"خمسه": 5, "سته": 6, "سبعه": 7, "ثمانيه": 8, "تسعه": 9, "عشره": 10,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// firstInteger extracts the first integer appearing in the folded
// transcript, either as digits or as a number word.
func firstInteger(folded string) (int, bool) {
	runes := []rune(folded)
	for i := 0; i < len(runes); i++ {
		if runes[i] >= '0' && runes[i] <= '9' {
			j := i
			for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(string(runes[i:j]))
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}

	for _, word := range strings.Fields(folded) {
		if n, ok := numberWords[word]; ok {
			return n, true
		}
	}
	return 0, false
}

// Fold lowercases the text, strips Arabic diacritics and tatweel, folds
// alef/yaa/taa-marbuta variants, and maps Arabic-Indic digits to ASCII, so
// token matching is case- and diacritic-insensitive.
func Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 0x064B && r <= 0x0652: // tashkeel
			continue
		case r == 0x0670 || r == 0x0640: // superscript alef, tatweel
			continue
		case r == 'أ' || r == 'إ' || r == 'آ' || r == 'ٱ':
			b.WriteRune('ا')
		case r == 'ى':
			b.WriteRune('ي')
		case r == 'ة':
			b.WriteRune('ه')
		case r >= 0x0660 && r <= 0x0669: // Arabic-Indic digits
			b.WriteRune('0' + (r - 0x0660))
		case r >= 0x06F0 && r <= 0x06F9: // extended Arabic-Indic digits
			b.WriteRune('0' + (r - 0x06F0))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
