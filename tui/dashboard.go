// Package tui renders the connection state and host metrics in a terminal dashboard.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pascal71/sshmon/parser"
	"github.com/pascal71/sshmon/state"
)

// Service is what the dashboard drives.
type Service interface {
	Store() *state.Store
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SystemInfo(ctx context.Context, sort parser.ProcessSort) (parser.SystemInfo, error)
	DiskUsage(ctx context.Context) (parser.StorageInfo, error)
}

// Dashboard is the tview application showing one host.
type Dashboard struct {
	app     *tview.Application
	svc     Service
	status  *tview.TextView
	system  *tview.Table
	summary *tview.TextView
	disk    *tview.TextView
	message *tview.TextView

	mu   sync.Mutex
	sort parser.ProcessSort
}

// NewDashboard builds the layout. Nothing is drawn until Run.
func NewDashboard(svc Service) *Dashboard {
	d := &Dashboard{
		app:  tview.NewApplication(),
		svc:  svc,
		sort: parser.SortCPU,
	}

	d.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetWrap(false)

	d.summary = tview.NewTextView().SetDynamicColors(true)
	d.summary.SetBorder(true).SetTitle(" System ")

	d.system = tview.NewTable().SetFixed(1, 0)
	d.system.SetBorder(true).SetTitle(" Processes ")

	d.disk = tview.NewTextView().SetDynamicColors(true)
	d.disk.SetBorder(true).SetTitle(" Disk / ")

	d.message = tview.NewTextView().SetDynamicColors(true)
	d.message.SetText(HelpText)

	top := tview.NewFlex().
		AddItem(d.summary, 0, 1, false).
		AddItem(d.disk, 0, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.status, 1, 0, false).
		AddItem(top, 6, 0, false).
		AddItem(d.system, 0, 1, true).
		AddItem(d.message, 1, 0, false)

	d.app.SetRoot(layout, true).SetInputCapture(d.handleKey)
	return d
}

// HelpText is the key legend shown in the message line.
const HelpText = " c=Connect  d=Disconnect  r=Refresh  s=Sort  q=Quit"

// Run shows the dashboard until the user quits or ctx is cancelled.
func (d *Dashboard) Run(ctx context.Context) error {
	unsubscribe := d.svc.Store().Subscribe(func(st state.ConnectionState) {
		text := StatusText(st)
		d.app.QueueUpdateDraw(func() {
			d.status.SetText(text)
		})
	})
	defer unsubscribe()

	go func() {
		<-ctx.Done()
		d.app.Stop()
	}()

	return d.app.Run()
}

func (d *Dashboard) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if ev.Key() == tcell.KeyCtrlC {
		d.app.Stop()
		return nil
	}
	switch ev.Rune() {
	case 'q':
		d.app.Stop()
	case 'c':
		go d.connect()
	case 'd':
		go d.disconnect()
	case 'r':
		go d.refresh()
	case 's':
		d.mu.Lock()
		if d.sort == parser.SortCPU {
			d.sort = parser.SortRAM
		} else {
			d.sort = parser.SortCPU
		}
		d.mu.Unlock()
		go d.refresh()
	default:
		return ev
	}
	return nil
}

func (d *Dashboard) connect() {
	ctx := context.Background()
	d.setMessage("Connecting...")
	if err := d.svc.Connect(ctx); err != nil {
		d.setMessage(fmt.Sprintf("[red]%v[-]", err))
		return
	}
	d.setMessage(HelpText)
	d.refresh()
}

func (d *Dashboard) disconnect() {
	if err := d.svc.Disconnect(context.Background()); err != nil {
		d.setMessage(fmt.Sprintf("[red]%v[-]", err))
		return
	}
	d.setMessage(HelpText)
}

func (d *Dashboard) refresh() {
	ctx := context.Background()
	d.mu.Lock()
	sort := d.sort
	d.mu.Unlock()

	info, err := d.svc.SystemInfo(ctx, sort)
	if err != nil {
		slog.WarnContext(ctx, "System info failed", "error", err)
		d.setMessage(fmt.Sprintf("[red]%v[-]", err))
		return
	}
	disk, err := d.svc.DiskUsage(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Disk usage failed", "error", err)
		d.setMessage(fmt.Sprintf("[red]%v[-]", err))
		return
	}

	d.app.QueueUpdateDraw(func() {
		d.summary.SetText(SummaryText(info, sort))
		d.disk.SetText(DiskText(disk))
		FillProcessTable(d.system, info.Processes)
	})
}

func (d *Dashboard) setMessage(text string) {
	d.app.QueueUpdateDraw(func() {
		d.message.SetText(text)
	})
}

// StatusText renders the status bar for st.
func StatusText(st state.ConnectionState) string {
	if st.IsConnected {
		return fmt.Sprintf(" [green]Connected[-] to %s", st.Config)
	}
	return fmt.Sprintf(" [red]Disconnected[-] (%s)", st.Config)
}

// SummaryText renders CPU and memory usage.
func SummaryText(info parser.SystemInfo, sort parser.ProcessSort) string {
	var b strings.Builder
	fmt.Fprintf(&b, " CPU     %5.1f%%\n", info.CPUUsage)
	fmt.Fprintf(&b, " Memory  %s / %s (%.1f%%)\n",
		gib(info.Memory.Used), gib(info.Memory.Total), info.Memory.Percentage)
	fmt.Fprintf(&b, " Sorted by %s", sort)
	return b.String()
}

// DiskText renders root filesystem usage.
func DiskText(disk parser.StorageInfo) string {
	return fmt.Sprintf(" Used  %s / %s\n Usage %.0f%%", gib(disk.Used), gib(disk.Total), disk.Percentage)
}

// FillProcessTable replaces the table contents with procs.
func FillProcessTable(table *tview.Table, procs []parser.ProcessInfo) {
	table.Clear()
	headers := []string{"NAME", "CPU %", "MEM %"}
	for col, h := range headers {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
	for i, p := range procs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(p.Name).SetExpansion(1))
		table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%.1f", p.CPU)).SetAlign(tview.AlignRight))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%.1f", p.Memory)).SetAlign(tview.AlignRight))
	}
}

func gib(v float64) string {
	if v <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(v * (1 << 30)))
}
