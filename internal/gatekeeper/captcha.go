package gatekeeper

import (
	"fmt"
	"path"
	"sort"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
	"github.com/iamwavecut/ngguard/resources"
)

const (
	challengesDir  = "gatekeeper/challenges"
	captchaRowSize = 4
)

var defaultCaptchaVariants = map[string]string{
	"🍎": "an apple",
	"🐶": "a dog",
	"🚗": "a car",
	"🌟": "a star",
	"🎈": "a balloon",
}

type variant struct {
	emoji string
	name  string
}

// Captcha renders the challenge message. With size 1 it is a single "I am human"
// button; larger sizes ask to pick one emoji among size choices, where every wrong
// choice carries a random token.
type Captcha struct {
	size     int
	variants map[string][]variant
	pick     func(n int) int
	newToken func() string
}

func NewCaptcha(size int) (*Captcha, error) {
	c := &Captcha{
		size:     size,
		variants: map[string][]variant{},
		pick:     func(n int) int { return tool.RandInt(0, n-1) },
		newToken: newToken,
	}
	if size <= 1 {
		return c, nil
	}

	for _, lang := range i18n.GetLanguagesList() {
		content, err := resources.FS.ReadFile(path.Join(challengesDir, lang+".yml"))
		if err != nil {
			log.WithField("lang", lang).WithError(err).Warn("no captcha variants")
			continue
		}
		raw := map[string]string{}
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("parse captcha variants %s: %w", lang, err)
		}
		c.variants[lang] = sortedVariants(raw)
	}
	return c, nil
}

func sortedVariants(raw map[string]string) []variant {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	variants := make([]variant, 0, len(keys))
	for _, key := range keys {
		variants = append(variants, variant{emoji: key, name: raw[key]})
	}
	return variants
}

func (c *Captcha) variantsFor(lang string) []variant {
	if vars := c.variants[lang]; len(vars) >= c.size {
		return vars
	}
	if vars := c.variants[i18n.DefaultLanguage]; len(vars) >= c.size {
		return vars
	}
	return sortedVariants(defaultCaptchaVariants)
}

// Build returns the challenge text and keyboard for one verification episode.
func (c *Captcha) Build(ch SendChallenge, window time.Duration) bot.Challenge {
	mention := fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, ch.UserID, api.EscapeText(api.ModeHTML, ch.Name))
	seconds := int(window.Seconds())
	success := event.GatekeeperCallbackData(ch.UserID, ch.Token)

	if c.size <= 1 {
		return bot.Challenge{
			ChatID: ch.ChatID,
			UserID: ch.UserID,
			Text: fmt.Sprintf(
				i18n.Get("Welcome, %s!\n\nTo keep this group human, please confirm you are not a bot by pressing the button below.\n\nTime limit: %d seconds. Members who do not respond are removed automatically.", ch.Language),
				mention, seconds,
			),
			Keyboard: bot.Keyboard{{{Text: i18n.Get("I am human", ch.Language), Data: success}}},
		}
	}

	choices := c.choose(c.variantsFor(ch.Language))
	correct := choices[c.pick(len(choices))]
	buttons := make([]bot.Button, 0, len(choices))
	for _, v := range choices {
		data := event.GatekeeperCallbackData(ch.UserID, c.newToken())
		if v.emoji == correct.emoji {
			data = success
		}
		buttons = append(buttons, bot.Button{Text: v.emoji, Data: data})
	}

	return bot.Challenge{
		ChatID: ch.ChatID,
		UserID: ch.UserID,
		Text: fmt.Sprintf(
			i18n.Get("Welcome, %s!\n\nTo keep this group human, please pick %s below.\n\nTime limit: %d seconds. Members who do not respond are removed automatically.", ch.Language),
			mention, correct.name, seconds,
		),
		Keyboard: keyboardRows(buttons),
	}
}

// choose picks min(size, len(all)) distinct variants.
func (c *Captcha) choose(all []variant) []variant {
	n := min(c.size, len(all))
	pool := append([]variant(nil), all...)
	chosen := make([]variant, 0, n)
	for len(chosen) < n {
		i := c.pick(len(pool))
		chosen = append(chosen, pool[i])
		pool = append(pool[:i], pool[i+1:]...)
	}
	return chosen
}

func keyboardRows(buttons []bot.Button) bot.Keyboard {
	rows := bot.Keyboard{}
	for start := 0; start < len(buttons); start += captchaRowSize {
		end := min(start+captchaRowSize, len(buttons))
		rows = append(rows, buttons[start:end])
	}
	return rows
}
