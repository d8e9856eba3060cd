package session

import "testing"

func TestPollStateWatermarkOnlyAdvances(t *testing.T) {
	polls := newPollState()
	polls.Advance("chat_1", 100)
	polls.Advance("chat_1", 50)
	if got := polls.Watermark("chat_1"); got != 100 {
		t.Fatalf("watermark regressed: got %d", got)
	}
	polls.Advance("chat_1", 300)
	if got := polls.Watermark("chat_1"); got != 300 {
		t.Fatalf("watermark did not advance: got %d", got)
	}
}

func TestPollStateShouldProcessSkipsSeenMessages(t *testing.T) {
	polls := newPollState()
	polls.Advance("chat_1", 200)
	if polls.ShouldProcess("chat_1", 200) {
		t.Fatalf("message at watermark must be skipped")
	}
	if polls.ShouldProcess("chat_1", 150) {
		t.Fatalf("message before watermark must be skipped")
	}
	if !polls.ShouldProcess("chat_1", 201) {
		t.Fatalf("newer message must be processed")
	}
	if !polls.ShouldProcess("chat_2", 1) {
		t.Fatalf("other chats start at zero")
	}
}

func TestPollStateNormalizesChatIDs(t *testing.T) {
	polls := newPollState()
	polls.Advance("123456@goofish", 42)
	if got := polls.Watermark("123456"); got != 42 {
		t.Fatalf("suffixed and bare chat ids must share a watermark, got %d", got)
	}
}
