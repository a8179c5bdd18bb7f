package stream

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/channelwatch/twitchapi"
)

type fakePollAPI struct {
	streams    []twitchapi.Stream
	streamsErr error
	info       *twitchapi.ChannelInfo
	infoCalls  int
}

func (f *fakePollAPI) GetStreams(ctx context.Context) ([]twitchapi.Stream, error) {
	return f.streams, f.streamsErr
}

func (f *fakePollAPI) GetChannelInformation(ctx context.Context) (*twitchapi.ChannelInfo, error) {
	f.infoCalls++
	return f.info, nil
}

func pollLiveStream(id string) twitchapi.Stream {
	return twitchapi.Stream{ID: id, Type: "live", Title: "bot title", StartedAt: time.Now()}
}

func TestPollTaskReArmsOnError(t *testing.T) {
	api := &fakePollAPI{streamsErr: twitchapi.ErrBudgetExhausted}
	m := NewMachine(nil, nil, nil, 0, nil)
	ts := NewTitleSync(&fakeChannelAPI{}, newMemGames(), nil, nil, nil, false, "n/a")
	task := PollTask(api, m, ts)

	res := task(context.Background(), nil)
	if res.State {
		t.Error("State = true after failed poll, want re-arm")
	}
}

func TestPollTaskUnsettledTitleReArms(t *testing.T) {
	s := pollLiveStream("s1")
	s.Title = "dashboard title"
	api := &fakePollAPI{streams: []twitchapi.Stream{s}}
	m := NewMachine(nil, nil, nil, 0, nil)
	ts := NewTitleSync(&fakeChannelAPI{}, newMemGames(), nil, nil, nil, false, "n/a")
	ts.SetRawStatus("bot title")
	task := PollTask(api, m, ts)

	if res := task(context.Background(), nil); res.State {
		t.Error("State = true on mismatched title, want re-arm")
	}
	if !m.Online() {
		t.Error("machine not online after live poll")
	}

	api.streams[0].Title = "bot title"
	if res := task(context.Background(), nil); !res.State {
		t.Error("State = false on matching title")
	}
}

func TestPollTaskSkipsChannelInfoDuringDebounce(t *testing.T) {
	api := &fakePollAPI{
		streams: []twitchapi.Stream{pollLiveStream("s1")},
		info:    &twitchapi.ChannelInfo{Title: "offline title"},
	}
	m := NewMachine(nil, nil, nil, 3, nil)
	ts := NewTitleSync(&fakeChannelAPI{}, newMemGames(), nil, nil, nil, false, "n/a")
	ts.SetRawStatus("bot title")
	task := PollTask(api, m, ts)
	ctx := context.Background()

	task(ctx, nil)
	if !m.Online() {
		t.Fatal("machine not online")
	}

	// Poll blips inside the debounce window stay on the live-payload source:
	// no channel-info fetch, no title retries burned.
	api.streams = nil
	for i := 0; i < 3; i++ {
		if res := task(ctx, nil); !res.State {
			t.Fatalf("blip %d re-armed the task", i+1)
		}
	}
	if api.infoCalls != 0 {
		t.Fatalf("channel info fetched %d times during debounce", api.infoCalls)
	}
	if !m.Online() {
		t.Fatal("debounce flipped early")
	}

	// The flip to offline switches the observation source.
	if res := task(ctx, nil); res.State {
		t.Error("State = true on mismatched offline title, want re-arm")
	}
	if m.Online() {
		t.Error("machine still online past the debounce")
	}
	if api.infoCalls != 1 {
		t.Errorf("channel info fetched %d times, want 1", api.infoCalls)
	}
}
