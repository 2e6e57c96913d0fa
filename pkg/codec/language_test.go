package codec

import "testing"

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"spanish", "Este es un texto en español con muchas palabras", "es"},
		{"below threshold", "short", "en"},
		{"empty", "", "en"},
		{"english", "the quick brown fox is in the field and it was not alone for you", "en"},
		{"french", "le chat est dans la maison et il est avec le chien pour la nuit", "fr"},
		{"german", "der Hund ist in dem Haus und die Katze ist nicht mit der Maus", "de"},
		{"chinese", "这是一封中文邮件", "zh"},
		{"japanese", "これは日本語のメールです", "ja"},
		{"korean", "이것은 한국어 이메일입니다", "ko"},
		{"arabic", "هذه رسالة بالعربية", "ar"},
		{"hebrew", "זהו אימייל בעברית", "he"},
		{"russian", "Это письмо на русском языке", "ru"},
		{"greek", "Αυτό είναι ένα μήνυμα στα ελληνικά", "el"},
		{"thai", "นี่คืออีเมลภาษาไทย", "th"},
		{"hindi", "यह हिंदी में एक ईमेल है", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLanguage(tt.text); got != tt.want {
				t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

// Script detection must win over any Latin stop-words in the same text.
func TestDetectLanguageScriptPrecedence(t *testing.T) {
	if got := DetectLanguage("the cat и die Katze 你好"); got != "ru" {
		t.Errorf("expected first non-Latin script to win, got %q", got)
	}
}
