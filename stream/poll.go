package stream

import (
	"context"
	"log/slog"

	"github.com/onnwee/channelwatch/scheduler"
	"github.com/onnwee/channelwatch/twitchapi"
)

// PollAPI is the slice of the Helix client the streams poll reads.
type PollAPI interface {
	GetStreams(ctx context.Context) ([]twitchapi.Stream, error)
	GetChannelInformation(ctx context.Context) (*twitchapi.ChannelInfo, error)
}

// PollTask builds the streams task body: it feeds the machine and routes the
// title/game observation from exactly one source, the live payload while
// online and the channel record while offline. An unsettled observation
// returns State=false, so the scheduler re-runs the check on the very next
// tick instead of waiting out the interval.
func PollTask(api PollAPI, m *Machine, t *TitleSync) scheduler.TaskFunc {
	return func(ctx context.Context, opts map[string]any) scheduler.Result {
		streams, err := api.GetStreams(ctx)
		if err != nil {
			if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
				slog.Debug("streams poll deferred", slog.Any("err", err))
			} else {
				slog.Warn("streams poll failed", slog.Any("err", err))
			}
			return scheduler.Result{State: false, Opts: opts}
		}
		settled := true
		if len(streams) > 0 {
			m.HandleLivePoll(ctx, &streams[0])
			settled = t.Observe(ctx, streams[0].Title, streams[0].GameName)
		} else {
			m.HandleOfflinePoll(ctx)
			// While the offline debounce still holds the machine online the
			// live payload stays the observation source, so a poll blip must
			// not touch the title retry counter.
			if !m.Online() {
				if info, err := api.GetChannelInformation(ctx); err == nil && info != nil {
					settled = t.Observe(ctx, info.Title, info.GameName)
				}
			}
		}
		return scheduler.Result{State: settled, Opts: opts}
	}
}
