package bot

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// New authorizes the token against the Bot API.
func New(token string) (*api.BotAPI, error) {
	botAPI, err := api.NewBotAPI(token)
	if err != nil {
		return nil, ngerrors.Configuration("telegram authorization: %v", err)
	}
	return botAPI, nil
}

// UpdatesGetter is the long-polling part of *api.BotAPI.
type UpdatesGetter interface {
	GetUpdates(config api.UpdateConfig) ([]api.Update, error)
}

// GetUpdatesChans long-polls until ctx is done or a poll fails. The error channel
// receives exactly one value before both channels close.
func GetUpdatesChans(ctx context.Context, bot UpdatesGetter, config api.UpdateConfig, buffer int) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, buffer)
	chErr := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- errors.WithMessage(err, "cant get updates")
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}
