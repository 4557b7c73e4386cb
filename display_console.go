package chronochat

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/enescakir/emoji"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type rosterRow struct {
	ScreenName string `header:"name"`
	Username   string `header:"user"`
	Session    string `header:"session"`
	LastSeq    uint64 `header:"last seq"`
	Self       string `header:"you"`
}

// ConsoleDisplay prints chat lines and roster changes to a terminal.
type ConsoleDisplay struct {
	mu      sync.Mutex
	out     io.Writer
	members []RosterMember
}

func NewConsoleDisplay(out io.Writer) *ConsoleDisplay {
	return &ConsoleDisplay{out: out}
}

func (d *ConsoleDisplay) OnChatMessage(ev ChatEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	marker := ""
	if ev.Replay {
		marker = emoji.Videocassette.String() + " "
	}
	if !ev.Verified {
		marker += emoji.Warning.String() + " "
	}
	at := ev.Timestamp.Format("15:04:05")
	switch ev.Kind {
	case KindJoin:
		fmt.Fprintf(d.out, "%s %s%v %s joined\n", at, marker, emoji.WavingHand, ev.ScreenName)
	case KindLeave:
		fmt.Fprintf(d.out, "%s %s%v %s left\n", at, marker, emoji.Door, ev.ScreenName)
	default:
		fmt.Fprintf(d.out, "%s %s<%s> %s\n", at, marker, ev.ScreenName, ev.Text)
	}
}

func (d *ConsoleDisplay) OnJoin(m RosterMember, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "%s %v %s joined\n", at.Format("15:04:05"), emoji.WavingHand, m.ScreenName)
}

func (d *ConsoleDisplay) OnLeave(m RosterMember, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "%s %v %s left\n", at.Format("15:04:05"), emoji.Door, m.ScreenName)
}

func (d *ConsoleDisplay) OnRosterChanged(members []RosterMember) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = members
}

// PrintRoster prints the last known roster as a table.
func (d *ConsoleDisplay) PrintRoster() {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows := make([]rosterRow, 0, len(d.members))
	for _, m := range d.members {
		you := ""
		if m.Self {
			you = "*"
		}
		rows = append(rows, rosterRow{
			ScreenName: m.ScreenName,
			Username:   m.Participant.Username.String(),
			Session:    m.Participant.Session.String(),
			LastSeq:    m.LastSeq,
			Self:       you,
		})
	}

	printer := tableprinter.New(d.out)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}
