package fixsession

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/coreline/goldfix/pkg/fix"
)

const fixTimestampLayout = "20060102-15:04:05.000"

func nowStamp() string {
	return time.Now().UTC().Format(fixTimestampLayout)
}

// newAdminMessage builds an outbound administrative message with the
// required header tags stamped (BeginString, MsgType, CompIDs).
// MsgSeqNum and SendingTime are filled at send time, by the writer or,
// for its direct Logout, by fail (spec.md §4.4: "SendingTime is
// stamped UTC at send").
func (s *Session) newAdminMessage(msgType string) *fix.Message {
	m := fix.New(s.cfg.BeginString, msgType)
	m.Set(fix.TagSenderCompID, s.cfg.SenderCompID)
	m.Set(fix.TagTargetCompID, s.cfg.TargetCompID)
	return m
}

func (s *Session) buildLogon() *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeLogon)
	m.Set(fix.TagEncryptMethod, "0")
	m.Set(fix.TagHeartBtInt, strconv.Itoa(int(s.cfg.HeartBtInt.Seconds())))
	return m
}

func (s *Session) buildLogout(text string) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeLogout)
	if text != "" {
		m.Set(fix.TagText, text)
	}
	return m
}

func (s *Session) buildHeartbeat(testReqID string) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(fix.TagTestReqID, testReqID)
	}
	return m
}

func (s *Session) buildTestRequest(testReqID string) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeTestRequest)
	m.Set(fix.TagTestReqID, testReqID)
	return m
}

func (s *Session) buildResendRequest(begin, end uint64) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeResendRequest)
	m.Set(fix.TagBeginSeqNo, strconv.FormatUint(begin, 10))
	m.Set(fix.TagEndSeqNo, strconv.FormatUint(end, 10))
	return m
}

func (s *Session) buildGapFill(newSeqNo uint64) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeSequenceReset)
	m.Set(fix.TagNewSeqNo, strconv.FormatUint(newSeqNo, 10))
	m.Set(fix.TagGapFillFlag, "Y")
	return m
}

func (s *Session) buildReject(refSeqNum uint64, reason string) *fix.Message {
	m := s.newAdminMessage(fix.MsgTypeReject)
	m.Set(fix.TagRefSeqNum, strconv.FormatUint(refSeqNum, 10))
	m.Set(fix.TagSessionReject, reason)
	return m
}

// isAdminMsgType reports whether t is one of the administrative
// message types this core understands (spec.md §1: everything else is
// an opaque application payload).
func isAdminMsgType(t string) bool {
	switch t {
	case fix.MsgTypeLogon, fix.MsgTypeLogout, fix.MsgTypeHeartbeat,
		fix.MsgTypeTestRequest, fix.MsgTypeResendRequest,
		fix.MsgTypeSequenceReset, fix.MsgTypeReject:
		return true
	}
	return false
}

// validateHeader checks the required header tags spec.md §4.4 lists
// and that BeginString/CompIDs match the session's expectation
// (swapped for direction: the peer's SenderCompID is our
// TargetCompID and vice versa).
func (s *Session) validateHeader(msg *fix.Message) (rejectReason string, ok bool) {
	for _, tag := range []int{fix.TagBeginString, fix.TagBodyLength, fix.TagMsgType, fix.TagMsgSeqNum, fix.TagSenderCompID, fix.TagTargetCompID, fix.TagSendingTime} {
		if _, present := msg.Get(tag); !present {
			return fmt.Sprintf("required tag %d missing", tag), false
		}
	}
	begin, _ := msg.GetString(fix.TagBeginString)
	if begin != s.cfg.BeginString {
		return "BeginString does not match session configuration", false
	}
	sender, _ := msg.GetString(fix.TagSenderCompID)
	target, _ := msg.GetString(fix.TagTargetCompID)
	if sender != s.cfg.TargetCompID || target != s.cfg.SenderCompID {
		return "SenderCompID/TargetCompID do not match session configuration", false
	}
	return "", true
}

func msgSeqNum(msg *fix.Message) (uint64, bool) {
	v, ok := msg.GetString(fix.TagMsgSeqNum)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func hasPossDup(msg *fix.Message) bool {
	v, ok := msg.GetString(fix.TagPossDupFlag)
	return ok && v == "Y"
}

func newTestReqID() string {
	return uuid.NewString()
}
