package survey

import (
	"testing"
)

func yesNoQ() Question {
	return Question{Position: 0, Type: QuestionYesNo}
}

func ratingQ() Question {
	return Question{Position: 1, Type: QuestionRating}
}

func TestNormalizeYesNoArabic(t *testing.T) {
	tests := []struct {
		transcript string
		wantPol    Polarity
		minConf    float64
	}{
		{"نعم", Affirmative, 0.9},
		{"نَعَم", Affirmative, 0.9},
		{"اه نعم اكيد", Affirmative, 0.9},
		{"لا", Negative, 0.9},
		{"لا شكرا", Negative, 0.9},
		{"كلا ابدا", Negative, 0.9},
		{"ربما", Uncertain, 0.6},
		{"يمكن والله", Uncertain, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			got := Normalize(tt.transcript, yesNoQ(), 0)
			if got.Value == nil {
				t.Fatalf("Normalize(%q) = null, want %s", tt.transcript, tt.wantPol)
			}
			if got.Value.Kind != ValuePolarity || got.Value.Polarity != tt.wantPol {
				t.Errorf("Normalize(%q) = %+v, want polarity %s", tt.transcript, got.Value, tt.wantPol)
			}
			if got.Confidence < tt.minConf {
				t.Errorf("confidence = %.2f, want >= %.2f", got.Confidence, tt.minConf)
			}
		})
	}
}

func TestNormalizeYesNoEnglish(t *testing.T) {
	tests := []struct {
		transcript string
		wantPol    Polarity
	}{
		{"Yes", Affirmative},
		{"yeah sure", Affirmative},
		{"OKAY", Affirmative},
		{"no", Negative},
		{"Nope, never", Negative},
		{"maybe", Uncertain},
		{"perhaps later", Uncertain},
	}

	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			got := Normalize(tt.transcript, yesNoQ(), 0)
			if got.Value == nil || got.Value.Polarity != tt.wantPol {
				t.Errorf("Normalize(%q) = %+v, want %s", tt.transcript, got.Value, tt.wantPol)
			}
		})
	}
}

func TestNormalizeYesNoUnintelligible(t *testing.T) {
	got := Normalize("xyz123", yesNoQ(), 0)
	if got.Value != nil {
		t.Errorf("Normalize(\"xyz123\") = %+v, want null", got.Value)
	}
	if got.Confidence > 0.3 {
		t.Errorf("confidence = %.2f, want <= 0.3", got.Confidence)
	}
}

func TestNormalizeYesNoOrderAffirmativeFirst(t *testing.T) {
	// Mixed signals resolve in the fixed class order.
	got := Normalize("نعم لا", yesNoQ(), 0)
	if got.Value == nil || got.Value.Polarity != Affirmative {
		t.Errorf("mixed transcript = %+v, want affirmative (checked first)", got.Value)
	}
}

func TestNormalizeRating(t *testing.T) {
	tests := []struct {
		transcript string
		want       int
		wantNull   bool
	}{
		{"3", 3, false},
		{"اعطيكم ٤", 4, false},
		{"I'd say 5 out of 5", 5, false},
		{"خمسه", 5, false},
		{"three", 3, false},
		{"9", 0, true},
		{"صفر", 0, true},
		{"no numbers here", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			got := Normalize(tt.transcript, ratingQ(), 0)
			if tt.wantNull {
				if got.Value != nil {
					t.Errorf("Normalize(%q) = %+v, want null", tt.transcript, got.Value)
				}
				if got.Confidence > 0.3 {
					t.Errorf("confidence = %.2f, want <= 0.3", got.Confidence)
				}
				return
			}
			if got.Value == nil || got.Value.Kind != ValueRating || got.Value.Rating != tt.want {
				t.Errorf("Normalize(%q) = %+v, want rating %d", tt.transcript, got.Value, tt.want)
			}
			if got.Confidence < 0.9 {
				t.Errorf("confidence = %.2f, want >= 0.9", got.Confidence)
			}
		})
	}
}

func TestNormalizeRatingFirstIntegerWins(t *testing.T) {
	// The first integer is authoritative even when a later one is in range.
	got := Normalize("9 wait I mean 3", ratingQ(), 0)
	if got.Value != nil {
		t.Errorf("Normalize = %+v, want null (first integer out of range)", got.Value)
	}
}

func TestNormalizeRatingCustomRange(t *testing.T) {
	q := Question{Type: QuestionRating, RatingMin: 1, RatingMax: 10}
	got := Normalize("7", q, 0)
	if got.Value == nil || got.Value.Rating != 7 {
		t.Errorf("Normalize(\"7\", 1..10) = %+v, want 7", got.Value)
	}
}

func TestNormalizeOpenTextVocabulary(t *testing.T) {
	q := Question{
		Type:       QuestionOpenText,
		Vocabulary: []string{"الرياض", "جدة", "الدمام"},
	}

	got := Normalize("انا من جدة", q, 0)
	if got.Value == nil || got.Value.Text != "جدة" {
		t.Errorf("Normalize = %+v, want vocabulary entry جدة", got.Value)
	}

	got = Normalize("مدينه اخرى", q, 0)
	if got.Value != nil {
		t.Errorf("out-of-vocabulary transcript = %+v, want null", got.Value)
	}
}

func TestNormalizeOpenTextFree(t *testing.T) {
	q := Question{Type: QuestionOpenText}

	got := Normalize("  الخدمة كانت ممتازة  ", q, 0)
	if got.Value == nil || got.Value.Text != "الخدمة كانت ممتازة" {
		t.Errorf("Normalize = %+v, want trimmed transcript", got.Value)
	}

	got = Normalize("   ", q, 0)
	if got.Value != nil {
		t.Errorf("blank transcript = %+v, want null", got.Value)
	}
}

func TestNormalizeSTTConfidencePreferred(t *testing.T) {
	got := Normalize("نعم", yesNoQ(), 0.97)
	if got.Confidence != 0.97 {
		t.Errorf("confidence = %.2f, want engine-reported 0.97", got.Confidence)
	}

	// Null results keep the floor even when the engine was confident about
	// the words themselves.
	got = Normalize("xyz123", yesNoQ(), 0.97)
	if got.Value != nil || got.Confidence > 0.3 {
		t.Errorf("null result = (%+v, %.2f), want (null, <=0.3)", got.Value, got.Confidence)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		a := Normalize("نعم اكيد", yesNoQ(), 0)
		b := Normalize("نعم اكيد", yesNoQ(), 0)
		if a.Confidence != b.Confidence || a.Value.Polarity != b.Value.Polarity {
			t.Fatal("Normalize is not deterministic")
		}
	}
}

func TestNormalizeDigit(t *testing.T) {
	if v := NormalizeDigit("3", ratingQ()); v == nil || v.Rating != 3 {
		t.Errorf("NormalizeDigit(3, rating) = %+v, want 3", v)
	}
	if v := NormalizeDigit("9", ratingQ()); v != nil {
		t.Errorf("NormalizeDigit(9, rating[1..5]) = %+v, want nil", v)
	}
	if v := NormalizeDigit("1", yesNoQ()); v == nil || v.Polarity != Affirmative {
		t.Errorf("NormalizeDigit(1, yes_no) = %+v, want affirmative", v)
	}
	if v := NormalizeDigit("2", yesNoQ()); v == nil || v.Polarity != Negative {
		t.Errorf("NormalizeDigit(2, yes_no) = %+v, want negative", v)
	}
	if v := NormalizeDigit("5", yesNoQ()); v != nil {
		t.Errorf("NormalizeDigit(5, yes_no) = %+v, want nil", v)
	}
	if v := NormalizeDigit("#", ratingQ()); v != nil {
		t.Errorf("NormalizeDigit(#) = %+v, want nil", v)
	}
}

func TestValueCanonical(t *testing.T) {
	tests := []struct {
		v    *Value
		want string
	}{
		{nil, "null"},
		{&Value{Kind: ValuePolarity, Polarity: Affirmative}, "affirmative"},
		{&Value{Kind: ValuePolarity, Polarity: Uncertain}, "uncertain"},
		{&Value{Kind: ValueRating, Rating: 4}, "4"},
		{&Value{Kind: ValueText, Text: "جدة"}, "جدة"},
	}
	for _, tt := range tests {
		if got := tt.v.Canonical(); got != tt.want {
			t.Errorf("Canonical(%+v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"نَعَم", "نعم"},
		{"أكِيد", "اكيد"},
		{"YES Yes", "yes yes"},
		{"٣ و ٤", "3 و 4"},
		{"مدينة", "مدينه"},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
