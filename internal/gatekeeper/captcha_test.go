package gatekeeper

import (
	"strings"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/event"
)

func TestCaptchaSingleButton(t *testing.T) {
	t.Parallel()

	c, err := NewCaptcha(1)
	if err != nil {
		t.Fatalf("captcha: %v", err)
	}
	ch := c.Build(SendChallenge{ChatID: -1, UserID: 7, Name: "<Ann>", Token: "tok", Language: "en"}, time.Minute)

	if len(ch.Keyboard) != 1 || len(ch.Keyboard[0]) != 1 {
		t.Fatalf("expected a single button, got %#v", ch.Keyboard)
	}
	button := ch.Keyboard[0][0]
	if button.Text != "I am human" || button.Data != event.GatekeeperCallbackData(7, "tok") {
		t.Fatalf("unexpected button %#v", button)
	}
	if !strings.Contains(ch.Text, "&lt;Ann&gt;") || !strings.Contains(ch.Text, "60 seconds") {
		t.Fatalf("unexpected text %q", ch.Text)
	}
}

func TestCaptchaMultiChoiceHasOneCorrectButton(t *testing.T) {
	t.Parallel()

	c, err := NewCaptcha(6)
	if err != nil {
		t.Fatalf("captcha: %v", err)
	}
	decoys := 0
	c.newToken = func() string {
		decoys++
		return "decoy"
	}

	for _, lang := range []string{"en", "ru", "kk"} {
		decoys = 0
		ch := c.Build(SendChallenge{ChatID: -1, UserID: 7, Name: "Ann", Token: "tok", Language: lang}, time.Minute)
		if len(ch.Keyboard) != 2 || len(ch.Keyboard[0]) != captchaRowSize || len(ch.Keyboard[1]) != 2 {
			t.Fatalf("%s: expected 4+2 rows, got %#v", lang, ch.Keyboard)
		}

		correct := 0
		seen := map[string]bool{}
		for _, row := range ch.Keyboard {
			for _, b := range row {
				if seen[b.Text] {
					t.Fatalf("%s: duplicate choice %s", lang, b.Text)
				}
				seen[b.Text] = true
				parsed, err := event.ParseCallback(-1, 7, "cb", 1, lang, b.Data)
				if err != nil {
					t.Fatalf("%s: button data does not parse: %v", lang, err)
				}
				if parsed.(event.CallbackReceived).Token == "tok" {
					correct++
				}
			}
		}
		if correct != 1 || decoys != 5 {
			t.Fatalf("%s: expected one correct and five decoys, got %d/%d", lang, correct, decoys)
		}
	}
}

func TestCaptchaFallsBackToDefaultVariants(t *testing.T) {
	t.Parallel()

	c, err := NewCaptcha(3)
	if err != nil {
		t.Fatalf("captcha: %v", err)
	}
	c.variants = map[string][]variant{}

	ch := c.Build(SendChallenge{ChatID: -1, UserID: 7, Name: "Ann", Token: "tok", Language: "ru"}, time.Minute)
	if len(ch.Keyboard) != 1 || len(ch.Keyboard[0]) != 3 {
		t.Fatalf("expected three fallback choices, got %#v", ch.Keyboard)
	}
}
