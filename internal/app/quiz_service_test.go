package app_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kauschie/knewit/internal/app"
	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/infra/memory"
	"github.com/kauschie/knewit/internal/protocol"
	"go.uber.org/zap/zaptest"
)

func TestTwoQuestionGameScoresAndFinishes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})

	host := env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")
	p2 := env.join(t, "ABC123", "p2", "Ben")
	p3 := env.join(t, "ABC123", "p3", "Cam")

	if _, err := env.svc.LoadStoredQuiz(ctx, "ABC123", "host", "quiz-1"); err != nil {
		t.Fatalf("load quiz: %v", err)
	}
	view, err := env.svc.Start(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if view.Index != 0 || view.CorrectIndex == nil || *view.CorrectIndex != 1 {
		t.Fatalf("expected host view of question 0, got %+v", view)
	}

	// Players never see the correct index; the host does.
	var playerQ domain.QuestionView
	if err := p1.last(t, protocol.TypeQuestionNext).Into(&playerQ); err != nil {
		t.Fatalf("decode player question: %v", err)
	}
	if playerQ.CorrectIndex != nil {
		t.Fatalf("correct index leaked to player")
	}
	var hostQ domain.QuestionView
	if err := host.last(t, protocol.TypeQuestionNext).Into(&hostQ); err != nil {
		t.Fatalf("decode host question: %v", err)
	}
	if hostQ.CorrectIndex == nil {
		t.Fatalf("host view missing correct index")
	}

	env.clock.Advance(2 * time.Second)
	r1, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1)
	if err != nil {
		t.Fatalf("p1 submit: %v", err)
	}
	if !r1.Correct || r1.PointsEarned != 9 {
		t.Fatalf("expected 9 points at 2s, got %+v", r1)
	}
	env.clock.Advance(8 * time.Second)
	if r2, _ := env.svc.SubmitAnswer(ctx, "ABC123", "p2", 1); r2.PointsEarned != 7 {
		t.Fatalf("expected 7 points at 10s, got %+v", r2)
	}
	if r3, _ := env.svc.SubmitAnswer(ctx, "ABC123", "p3", 3); r3.Correct || r3.PointsEarned != 0 {
		t.Fatalf("expected wrong answer worth 0, got %+v", r3)
	}

	var histogram protocol.HistogramPayload
	if err := host.last(t, protocol.TypeHistogram).Into(&histogram); err != nil {
		t.Fatalf("decode histogram: %v", err)
	}
	if histogram.Answered != 3 || histogram.Counts[1] != 2 || histogram.Counts[3] != 1 {
		t.Fatalf("unexpected histogram %+v", histogram)
	}

	first, err := env.svc.CloseQuestion(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if first.Deltas["p1"] != 9 || first.Deltas["p2"] != 7 || first.Deltas["p3"] != 0 {
		t.Fatalf("unexpected deltas %+v", first.Deltas)
	}
	if _, ok := first.Deltas["host"]; ok {
		t.Fatalf("host must not appear in deltas")
	}
	if len(first.Leaderboard) != 3 || first.Leaderboard[0].ParticipantID != "p1" {
		t.Fatalf("unexpected leaderboard %+v", first.Leaderboard)
	}

	again, err := env.svc.CloseQuestion(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !reflect.DeepEqual(again, first) {
		t.Fatalf("repeated close changed result:\n got %+v\nwant %+v", again, first)
	}
	if got := scoreOf(t, env, "p1"); got != 9 {
		t.Fatalf("repeated close rescored p1: %d", got)
	}

	adv, err := env.svc.Advance(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if adv.Question == nil || adv.Question.Index != 1 || adv.Closed != nil {
		t.Fatalf("expected question 1 opened, got %+v", adv)
	}
	if r, _ := env.svc.SubmitAnswer(ctx, "ABC123", "p3", 0); r.PointsEarned != 10 {
		t.Fatalf("expected instant correct answer worth 10, got %+v", r)
	}

	final, err := env.svc.Advance(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if !final.Finished || final.Closed == nil {
		t.Fatalf("expected close then finish, got %+v", final)
	}
	order := []string{final.Leaderboard[0].ParticipantID, final.Leaderboard[1].ParticipantID, final.Leaderboard[2].ParticipantID}
	if order[0] != "p3" || order[1] != "p1" || order[2] != "p2" {
		t.Fatalf("unexpected final order %v", order)
	}
	p2.last(t, protocol.TypeQuizFinished)
	p3.last(t, protocol.TypeQuestionResults)

	snap, err := env.svc.Snapshot(ctx, "ABC123", "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	histories := map[string][]int{}
	for _, p := range snap.Roster {
		histories[p.ID] = p.History
	}
	assertHistory(t, histories["p1"], 9, 0)
	assertHistory(t, histories["p2"], 7, 0)
	assertHistory(t, histories["p3"], 0, 10)
	assertHistory(t, histories["host"], 0, 0)

	// FINISHED is terminal.
	if _, err := env.svc.Start(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected start after finish to fail, got %v", err)
	}
	if _, err := env.svc.Advance(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected advance after finish to fail, got %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 0); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected submit after finish to fail, got %v", err)
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "p9", "Late", "", "", newRecorder()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected new join after finish to fail, got %v", err)
	}
	if res, _, err := env.svc.Join(ctx, "ABC123", "p1", "", "", env.token("p1"), newRecorder()); err != nil || !res.Rejoined {
		t.Fatalf("expected rejoin after finish to succeed, got %+v %v", res, err)
	}
	if err := env.svc.Mute(ctx, "ABC123", "host", "p1", true); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected mute after finish to fail, got %v", err)
	}
	if err := env.svc.Chat(ctx, "ABC123", "p1", "gg"); err != nil {
		t.Fatalf("expected chat after finish to work, got %v", err)
	}
}

func TestRepeatedCloseReturnsTheSameResult(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	for _, p := range []struct{ id, name string }{{"p1", "Ann"}, {"p2", "Ben"}, {"p3", "Cam"}} {
		env.join(t, "ABC123", p.id, p.name)
	}
	env.startQuiz(t, "ABC123")

	for _, pid := range []string{"p1", "p2", "p3"} {
		if r, err := env.svc.SubmitAnswer(ctx, "ABC123", pid, 1); err != nil || !r.Correct {
			t.Fatalf("%s submit: %+v %v", pid, r, err)
		}
	}

	first, err := env.svc.CloseQuestion(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wantDeltas := map[string]int{"p1": 10, "p2": 10, "p3": 10}
	if !reflect.DeepEqual(first.Deltas, wantDeltas) {
		t.Fatalf("unexpected deltas %v, want %v", first.Deltas, wantDeltas)
	}
	if !reflect.DeepEqual(first.Histogram, []int{0, 3, 0, 0}) {
		t.Fatalf("unexpected histogram %v", first.Histogram)
	}

	for i := 0; i < 2; i++ {
		again, err := env.svc.CloseQuestion(ctx, "ABC123", "host")
		if err != nil {
			t.Fatalf("repeat close %d: %v", i, err)
		}
		if !reflect.DeepEqual(again.Deltas, wantDeltas) {
			t.Fatalf("repeat close %d deltas %v, want %v", i, again.Deltas, wantDeltas)
		}
		if !reflect.DeepEqual(again.Leaderboard, first.Leaderboard) {
			t.Fatalf("repeat close %d leaderboard\n got %+v\nwant %+v", i, again.Leaderboard, first.Leaderboard)
		}
		if !reflect.DeepEqual(again, first) {
			t.Fatalf("repeat close %d changed result: %+v", i, again)
		}
	}
	for _, pid := range []string{"p1", "p2", "p3"} {
		if got := scoreOf(t, env, pid); got != 10 {
			t.Fatalf("repeated close rescored %s: %d", pid, got)
		}
	}
}

func TestSubmitAnswerIsIdempotentPerRound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")
	env.startQuiz(t, "ABC123")

	env.clock.Advance(time.Second)
	first, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.clock.Advance(5 * time.Second)
	second, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 2)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second != first {
		t.Fatalf("duplicate submit changed result: %+v vs %+v", second, first)
	}

	snap, _ := env.svc.Snapshot(ctx, "ABC123", "p1")
	if snap.Answered != 1 || snap.Histogram[1] != 1 || snap.Histogram[2] != 0 {
		t.Fatalf("duplicate submit touched the tally: %+v", snap.Histogram)
	}
	if snap.YourAnswer == nil || snap.YourAnswer.OptionIndex != 1 {
		t.Fatalf("expected recorded answer in snapshot, got %+v", snap.YourAnswer)
	}
}

func TestSubmitAnswerRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")

	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 0); !errors.Is(err, domain.ErrNoOpenQuestion) {
		t.Fatalf("expected no open question in lobby, got %v", err)
	}
	env.startQuiz(t, "ABC123")

	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "host", 0); !errors.Is(err, domain.ErrHostCannotAnswer) {
		t.Fatalf("expected host rejection, got %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 4); !errors.Is(err, domain.ErrOptionOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "ghost", 0); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "NOPE00", "p1", 0); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected unknown session, got %v", err)
	}

	env.clock.Advance(21 * time.Second)
	late, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1)
	if err != nil {
		t.Fatalf("late submit: %v", err)
	}
	if !late.Correct || late.PointsEarned != 0 {
		t.Fatalf("expected late correct answer worth 0, got %+v", late)
	}

	if _, err := env.svc.CloseQuestion(ctx, "ABC123", "host"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1); !errors.Is(err, domain.ErrNoOpenQuestion) {
		t.Fatalf("expected closed round rejection, got %v", err)
	}
}

func TestHostOnlyOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")

	if _, err := env.svc.LoadStoredQuiz(ctx, "ABC123", "p1", "quiz-1"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected load by player to fail, got %v", err)
	}
	if _, err := env.svc.Start(ctx, "ABC123", "p1"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected start by player to fail, got %v", err)
	}
	if err := env.svc.Kick(ctx, "ABC123", "p1", "host"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected kick by player to fail, got %v", err)
	}
	if _, err := env.svc.Start(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected start without quiz to fail, got %v", err)
	}
	if _, err := env.svc.Advance(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected advance in lobby to fail, got %v", err)
	}
	if _, err := env.svc.CloseQuestion(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected close in lobby to fail, got %v", err)
	}
	if _, err := env.svc.LoadStoredQuiz(ctx, "ABC123", "host", "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected missing quiz, got %v", err)
	}
}

func TestLoadQuizValidatesAndIsolatesCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")

	bad := sampleQuiz()
	bad.Questions[0].Options = bad.Questions[0].Options[:3]
	if _, err := env.svc.LoadQuiz(ctx, "ABC123", "host", bad); !errors.Is(err, domain.ErrInvalidQuiz) {
		t.Fatalf("expected invalid quiz, got %v", err)
	}

	quiz := sampleQuiz()
	summary, err := env.svc.LoadQuiz(ctx, "ABC123", "host", quiz)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.NumQuestions != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	quiz.Questions[0].Prompt = "edited afterwards"

	view, err := env.svc.Start(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if view.Prompt == "edited afterwards" {
		t.Fatalf("session observed edits to the caller's quiz")
	}
	if _, err := env.svc.LoadQuiz(ctx, "ABC123", "host", sampleQuiz()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected load outside lobby to fail, got %v", err)
	}
}

func TestKickBansRejoin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")

	if err := env.svc.Kick(ctx, "ABC123", "host", "p1"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	p1.last(t, protocol.TypeKicked)
	if !p1.isClosed() {
		t.Fatalf("expected kicked transport closed")
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "p1", "Ann", "", env.token("p1"), newRecorder()); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("expected banned rejoin, got %v", err)
	}
	if err := env.svc.Kick(ctx, "ABC123", "host", "p1"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected second kick to find nobody, got %v", err)
	}
	if err := env.svc.Kick(ctx, "ABC123", "host", "host"); err == nil {
		t.Fatalf("expected host self-kick to fail")
	}
}

func TestJoinValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	if _, _, err := env.svc.CreateSession(ctx, "host", "Host", "secret", newRecorder()); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := env.svc.Join(ctx, "ABC123", "p1", "Ann", "wrong", "", newRecorder()); !errors.Is(err, domain.ErrWrongPassword) {
		t.Fatalf("expected wrong password, got %v", err)
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "p1", "  ", "secret", "", newRecorder()); !errors.Is(err, domain.ErrInvalidName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if _, _, err := env.svc.Join(ctx, "abc123", "p1", "Ann", "secret", "", newRecorder()); err != nil {
		t.Fatalf("join with lowercase code: %v", err)
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "p2", "ann", "secret", "", newRecorder()); !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected name taken, got %v", err)
	}
	if _, _, err := env.svc.Join(ctx, "ZZZZZZ", "p2", "Bo", "secret", "", newRecorder()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected unknown session, got %v", err)
	}
}

func TestRejoinRequiresResumeToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	if _, _, err := env.svc.CreateSession(ctx, "host", "Host", "secret", newRecorder()); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, _, err := env.svc.Join(ctx, "ABC123", "p1", "Ann", "secret", "", newRecorder())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if first.ResumeToken == "" {
		t.Fatalf("expected a resume token for a new participant")
	}

	// Knowing the password and a participant id is not enough to take over that seat.
	for _, pid := range []string{"host", "p1"} {
		for _, token := range []string{"", "not-the-token"} {
			_, _, err := env.svc.Join(ctx, "ABC123", pid, "Mallory", "secret", token, newRecorder())
			if !errors.Is(err, domain.ErrResumeRejected) {
				t.Fatalf("expected rejoin of %s with token %q rejected, got %v", pid, token, err)
			}
			if domain.KindOf(err) != domain.KindAuthorization {
				t.Fatalf("expected authorization kind, got %s", domain.KindOf(err))
			}
		}
	}
	snap, _ := env.svc.Snapshot(ctx, "ABC123", "host")
	for _, p := range snap.Roster {
		if p.DisplayName == "Mallory" {
			t.Fatalf("rejected rejoin renamed %s", p.ID)
		}
	}

	res, _, err := env.svc.Join(ctx, "ABC123", "p1", "", "", first.ResumeToken, newRecorder())
	if err != nil || !res.Rejoined {
		t.Fatalf("expected token rejoin without password to succeed, got %+v %v", res, err)
	}
	if res.ResumeToken != first.ResumeToken {
		t.Fatalf("resume token changed across rejoin")
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "host", "", "", first.ResumeToken, newRecorder()); !errors.Is(err, domain.ErrResumeRejected) {
		t.Fatalf("expected another participant's token to be rejected, got %v", err)
	}
}

func TestLateJoinerHistoryStaysAligned(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")
	env.startQuiz(t, "ABC123")

	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.CloseQuestion(ctx, "ABC123", "host"); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, _, err := env.svc.Join(ctx, "ABC123", "p2", "Ben", "", "", newRecorder())
	if err != nil {
		t.Fatalf("late join: %v", err)
	}
	assertHistory(t, res.Participant.History, 0)

	if _, err := env.svc.Advance(ctx, "ABC123", "host"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p2", 0); err != nil {
		t.Fatalf("late joiner submit: %v", err)
	}
	if _, err := env.svc.CloseQuestion(ctx, "ABC123", "host"); err != nil {
		t.Fatalf("close 2: %v", err)
	}

	snap, _ := env.svc.Snapshot(ctx, "ABC123", "p2")
	for _, p := range snap.Roster {
		if len(p.History) != 2 {
			t.Fatalf("participant %s history length %d, want 2", p.ID, len(p.History))
		}
		if p.ID == "p2" {
			assertHistory(t, p.History, 0, 10)
		}
	}
}

func TestReconnectRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")
	env.join(t, "ABC123", "p2", "Ben")
	env.startQuiz(t, "ABC123")

	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ep, ok := env.conns.Lookup("ABC123", "p1")
	if !ok {
		t.Fatalf("expected endpoint for p1")
	}
	env.svc.Disconnect(ctx, ep)

	snap, _ := env.svc.Snapshot(ctx, "ABC123", "host")
	if status := statusOf(snap, "p1"); status != domain.StatusDisconnected {
		t.Fatalf("expected p1 disconnected, got %q", status)
	}

	// The tally moves while p1 is away; the rejoin snapshot must reflect it.
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p2", 2); err != nil {
		t.Fatalf("p2 submit while p1 away: %v", err)
	}

	fresh := newRecorder()
	res, _, err := env.svc.Join(ctx, "ABC123", "p1", "", "", env.token("p1"), fresh)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Snapshot.Answered != 2 || !reflect.DeepEqual(res.Snapshot.Histogram, []int{0, 1, 1, 0}) {
		t.Fatalf("expected tally with p2's answer, got answered=%d histogram=%v", res.Snapshot.Answered, res.Snapshot.Histogram)
	}
	var joined protocol.JoinedPayload
	if err := fresh.last(t, protocol.TypeSessionJoined).Into(&joined); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	if !joined.Rejoined || joined.Snapshot.Answered != 2 || !reflect.DeepEqual(joined.Snapshot.Histogram, res.Snapshot.Histogram) {
		t.Fatalf("joined frame carries stale tally %+v", joined.Snapshot)
	}
	if !res.Rejoined || res.Participant.DisplayName != "Ann" {
		t.Fatalf("unexpected rejoin result %+v", res.Participant)
	}
	if res.Snapshot.Question == nil || res.Snapshot.Question.CorrectIndex != nil {
		t.Fatalf("expected player view of open question, got %+v", res.Snapshot.Question)
	}
	if res.Snapshot.YourAnswer == nil || res.Snapshot.YourAnswer.OptionIndex != 1 {
		t.Fatalf("expected prior answer restored, got %+v", res.Snapshot.YourAnswer)
	}
	if statusOf(res.Snapshot, "p1") != domain.StatusConnected {
		t.Fatalf("expected p1 connected again")
	}

	// A stale endpoint closing after the reconnect must not mark the participant gone.
	env.svc.Disconnect(ctx, ep)
	snap, _ = env.svc.Snapshot(ctx, "ABC123", "host")
	if statusOf(snap, "p1") != domain.StatusConnected {
		t.Fatalf("stale endpoint disconnected the reconnected participant")
	}
	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1); err != nil {
		t.Fatalf("submit after rejoin: %v", err)
	}

	hostSnap, _ := env.svc.Snapshot(ctx, "ABC123", "host")
	if hostSnap.Question == nil || hostSnap.Question.CorrectIndex == nil {
		t.Fatalf("expected host snapshot to carry the correct index")
	}
}

func TestSessionIDCollisionRegenerates(t *testing.T) {
	ctx := context.Background()
	ids := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	var mu sync.Mutex
	env := newTestEnv(t, app.Options{NewSessionID: func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}})

	first, _, err := env.svc.CreateSession(ctx, "h1", "One", "", newRecorder())
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	second, _, err := env.svc.CreateSession(ctx, "h2", "Two", "", newRecorder())
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if first.ID() != "AAAAAA" || second.ID() != "BBBBBB" {
		t.Fatalf("unexpected ids %s %s", first.ID(), second.ID())
	}
}

func TestNewSessionIDFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := app.NewSessionID()
		if len(id) != 6 {
			t.Fatalf("unexpected length %q", id)
		}
		for _, r := range id {
			if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
				t.Fatalf("unexpected character in %q", id)
			}
		}
	}
}

func TestHostDisconnectTearsDownSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")

	ep, _ := env.conns.Lookup("ABC123", "host")
	env.svc.Disconnect(ctx, ep)

	var closed protocol.ClosedPayload
	if err := p1.last(t, protocol.TypeSessionClosed).Into(&closed); err != nil {
		t.Fatalf("decode closed: %v", err)
	}
	if closed.Reason != "host disconnected" {
		t.Fatalf("unexpected reason %q", closed.Reason)
	}
	if !p1.isClosed() {
		t.Fatalf("expected player transport closed")
	}
	if _, _, err := env.svc.Join(ctx, "ABC123", "p2", "Ben", "", "", newRecorder()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if len(env.svc.ListSessions()) != 0 {
		t.Fatalf("expected no sessions listed")
	}
}

func TestPlayerLeaveAndHostClose(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")
	p2 := env.join(t, "ABC123", "p2", "Ben")

	closed, err := env.svc.Leave(ctx, "ABC123", "p1")
	if err != nil || closed {
		t.Fatalf("leave: closed=%v err=%v", closed, err)
	}
	p1.last(t, protocol.TypeLeft)
	if _, err := env.svc.Snapshot(ctx, "ABC123", "p1"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected p1 gone, got %v", err)
	}

	if err := env.svc.CloseSession(ctx, "ABC123", "p2"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected player close to fail, got %v", err)
	}
	if err := env.svc.CloseSession(ctx, "ABC123", "host"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	p2.last(t, protocol.TypeSessionClosed)
}

func TestChatAndMute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	host := env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")

	if err := env.svc.Chat(ctx, "ABC123", "p1", "  hello  "); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var msg protocol.ChatMessagePayload
	if err := host.last(t, protocol.TypeChatMessage).Into(&msg); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if msg.Message != "hello" || msg.Name != "Ann" {
		t.Fatalf("unexpected chat %+v", msg)
	}

	if err := env.svc.Chat(ctx, "ABC123", "p1", "   "); !errors.Is(err, domain.ErrEmptyChat) {
		t.Fatalf("expected empty chat rejection, got %v", err)
	}
	if err := env.svc.Mute(ctx, "ABC123", "host", "p1", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := env.svc.Chat(ctx, "ABC123", "p1", "still here"); !errors.Is(err, domain.ErrMuted) {
		t.Fatalf("expected muted rejection, got %v", err)
	}
	if err := env.svc.Mute(ctx, "ABC123", "host", "p1", false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if err := env.svc.Chat(ctx, "ABC123", "p1", "back"); err != nil {
		t.Fatalf("chat after unmute: %v", err)
	}
}

func TestRosterUpdatesAreCoalesced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	host := env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")
	env.join(t, "ABC123", "p2", "Ben")

	if n := env.svc.FlushRosters(ctx); n != 1 {
		t.Fatalf("expected one session flushed, got %d", n)
	}
	if n := host.count(protocol.TypeLobbyUpdate); n != 1 {
		t.Fatalf("expected a single lobby update, got %d", n)
	}
	var lobby protocol.LobbyPayload
	if err := host.last(t, protocol.TypeLobbyUpdate).Into(&lobby); err != nil {
		t.Fatalf("decode lobby: %v", err)
	}
	if len(lobby.Players) != 3 || lobby.Players[0].Role != domain.RoleHost {
		t.Fatalf("unexpected roster %+v", lobby.Players)
	}

	if n := env.svc.FlushRosters(ctx); n != 0 {
		t.Fatalf("expected nothing to flush, got %d", n)
	}
}

func TestSweepExpiresDisconnectedAndIdle(t *testing.T) {
	ctx := context.Background()
	ids := []string{"ABC123", "IDLE01"}
	env := newTestEnv(t, app.Options{
		ReconnectGrace: time.Minute,
		IdleTimeout:    10 * time.Minute,
		NewSessionID: func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		},
	})
	env.create(t, "ABC123")
	env.join(t, "ABC123", "p1", "Ann")

	ep, _ := env.conns.Lookup("ABC123", "p1")
	env.svc.Disconnect(ctx, ep)

	env.clock.Advance(30 * time.Second)
	env.svc.Sweep(ctx)
	if _, err := env.svc.Snapshot(ctx, "ABC123", "p1"); err != nil {
		t.Fatalf("p1 removed before grace elapsed: %v", err)
	}
	env.clock.Advance(31 * time.Second)
	env.svc.Sweep(ctx)
	if _, err := env.svc.Snapshot(ctx, "ABC123", "p1"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected p1 expired, got %v", err)
	}

	// A session whose host never attached a connection is idle.
	if _, _, err := env.svc.CreateSession(ctx, "h2", "Quiet", "", nil); err != nil {
		t.Fatalf("create idle: %v", err)
	}
	if closed := env.svc.Sweep(ctx); closed != 0 {
		t.Fatalf("expected no teardown on first idle sweep, got %d", closed)
	}
	env.clock.Advance(10 * time.Minute)
	if closed := env.svc.Sweep(ctx); closed != 1 {
		t.Fatalf("expected the idle session torn down, got %d", closed)
	}
	if len(env.svc.ListSessions()) != 1 {
		t.Fatalf("expected only the connected session left")
	}
}

func TestStopFinishesEarly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, app.Options{})
	env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")
	env.startQuiz(t, "ABC123")

	if _, err := env.svc.SubmitAnswer(ctx, "ABC123", "p1", 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	lb, err := env.svc.Stop(ctx, "ABC123", "host")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(lb) != 1 || lb[0].Score != 10 {
		t.Fatalf("expected open round scored before finishing, got %+v", lb)
	}
	p1.last(t, protocol.TypeQuizFinished)
	if _, err := env.svc.Stop(ctx, "ABC123", "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected second stop to fail, got %v", err)
	}
}

func TestQuestionDeadlineClosesRound(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{published: make(chan domain.Leaderboard, 4)}
	env := newTestEnv(t, app.Options{QuestionDeadline: 20 * time.Millisecond, Clock: time.Now, Leaderboards: sink})
	env.create(t, "ABC123")
	p1 := env.join(t, "ABC123", "p1", "Ann")
	env.startQuiz(t, "ABC123")

	select {
	case lb := <-sink.published:
		if lb.SessionID != "ABC123" || len(lb.Entries) != 1 {
			t.Fatalf("unexpected published leaderboard %+v", lb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deadline never closed the round")
	}

	snap, _ := env.svc.Snapshot(ctx, "ABC123", "p1")
	if snap.QuestionOpen || snap.LastResult == nil {
		t.Fatalf("expected round closed by deadline, got open=%v", snap.QuestionOpen)
	}
	p1.last(t, protocol.TypeQuestionResults)
}

type testEnv struct {
	svc    *app.QuizService
	conns  *hub.Registry
	clock  *fakeClock
	tokens map[string]string
}

func newTestEnv(t *testing.T, opts app.Options) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t)

	conns := hub.NewRegistry(logger)
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() string { return "ABC123" }
	}
	opts.Logger = logger

	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": sampleQuiz(),
	}), 5*time.Minute)
	svc := app.NewQuizService(memory.NewSessionStore(), quizzes, conns, opts)
	return &testEnv{svc: svc, conns: conns, clock: clock, tokens: make(map[string]string)}
}

func (e *testEnv) create(t *testing.T, want string) *recorder {
	t.Helper()
	rec := newRecorder()
	session, _, err := e.svc.CreateSession(context.Background(), "host", "Host", "", rec)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID() != want {
		t.Fatalf("expected session %s, got %s", want, session.ID())
	}
	var created protocol.CreatedPayload
	if err := rec.last(t, protocol.TypeSessionCreated).Into(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	e.tokens["host"] = created.ResumeToken
	return rec
}

func (e *testEnv) join(t *testing.T, sessionID, participantID, name string) *recorder {
	t.Helper()
	rec := newRecorder()
	res, _, err := e.svc.Join(context.Background(), sessionID, participantID, name, "", "", rec)
	if err != nil {
		t.Fatalf("join %s: %v", participantID, err)
	}
	e.tokens[participantID] = res.ResumeToken
	return rec
}

// token returns the resume token issued to participantID.
func (e *testEnv) token(participantID string) string {
	return e.tokens[participantID]
}

func (e *testEnv) startQuiz(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.LoadStoredQuiz(ctx, sessionID, "host", "quiz-1"); err != nil {
		t.Fatalf("load quiz: %v", err)
	}
	if _, err := e.svc.Start(ctx, sessionID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Warmup",
		Questions: []domain.Question{
			{ID: "q1", Prompt: "2 + 2?", Options: []string{"3", "4", "5", "6"}, CorrectIndex: 1},
			{ID: "q2", Prompt: "Largest planet?", Options: []string{"Jupiter", "Mars", "Venus", "Earth"}, CorrectIndex: 0},
		},
	}
}

func scoreOf(t *testing.T, env *testEnv, participantID string) int {
	t.Helper()
	snap, err := env.svc.Snapshot(context.Background(), "ABC123", participantID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, p := range snap.Roster {
		if p.ID == participantID {
			return p.Score
		}
	}
	t.Fatalf("participant %s missing from roster", participantID)
	return 0
}

func statusOf(snap domain.Snapshot, participantID string) domain.ParticipantStatus {
	for _, p := range snap.Roster {
		if p.ID == participantID {
			return p.Status
		}
	}
	return ""
}

func assertHistory(t *testing.T, got []int, want ...int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("history %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history %v, want %v", got, want)
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) Send(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, env)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) count(typ protocol.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Type == typ {
			return r.frames[i]
		}
	}
	t.Fatalf("no %s frame received", typ)
	return protocol.Envelope{}
}

type recordingSink struct {
	published chan domain.Leaderboard
}

func (s *recordingSink) PublishLeaderboard(_ context.Context, lb domain.Leaderboard) error {
	s.published <- lb
	return nil
}
