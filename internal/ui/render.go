package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/readerkit/readsync/internal/schema"
	"github.com/readerkit/readsync/internal/session"
)

// RenderState colors a session state by how healthy it is.
func RenderState(s session.State) string {
	switch s.(type) {
	case session.Synced, session.Ready:
		return RenderPass(s.String())
	case session.Syncing, session.Reconciling, session.Initializing:
		return RenderAccent(s.String())
	case session.Conflict:
		return RenderWarn(s.String())
	case session.Error:
		return RenderFail(s.String())
	default:
		return s.String()
	}
}

// FormatPosition renders a position on one line.
func FormatPosition(p schema.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%5.1f%%", p.Percentage*100)
	if p.PageNumber != nil {
		fmt.Fprintf(&b, "  p.%d", *p.PageNumber)
	}
	if p.ChapterID != "" {
		fmt.Fprintf(&b, "  %s", p.ChapterID)
	}
	fmt.Fprintf(&b, "  %s", RenderMuted(fmt.Sprintf("%s via %s", FormatTime(p.Timestamp), p.DeviceID)))
	return b.String()
}

// FormatTime renders Unix milliseconds in local time.
func FormatTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
