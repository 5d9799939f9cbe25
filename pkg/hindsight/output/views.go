package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/tree"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Status renders daemon status.
func Status(st *hindsightv1.Status) *Document {
	header := []Field{
		{"State", st.State},
		{"Version", st.Version},
		{"PID", strconv.Itoa(st.PID)},
		{"Watching", fmt.Sprintf("%s (%d dirs)", st.WatchDir, st.WatchedDirs)},
		{"Backend", st.StateBackend},
		{"Memory", humanize.IBytes(st.MemoryBytes)},
	}
	if !st.StartedAt.IsZero() {
		header = append(header, Field{"Started", humanize.Time(st.StartedAt)})
	}
	if st.UptimeSeconds > 0 {
		header = append(header, Field{"Uptime", formatDuration(time.Duration(st.UptimeSeconds) * time.Second)})
	}

	c := st.Counters
	rows := [][]string{
		{"tracked files", humanize.Comma(int64(st.TrackedFiles))},
		{"in flight", strconv.Itoa(st.InFlight)},
		{"pending events", strconv.Itoa(st.Pending)},
		{"retrying", strconv.Itoa(st.Retrying)},
		{"ingested", humanize.Comma(c.Ingested)},
		{"duplicates", humanize.Comma(c.Duplicates)},
		{"failures", humanize.Comma(c.Failures)},
		{"exhausted", humanize.Comma(c.Exhausted)},
		{"renames", humanize.Comma(c.Renames)},
		{"removes", humanize.Comma(c.Removes)},
		{"busy", humanize.Comma(c.Busy)},
		{"conversations", humanize.Comma(st.Catalog.Conversations)},
		{"messages", humanize.Comma(st.Catalog.Messages)},
		{"raw snapshots", humanize.Comma(st.Catalog.RawFiles)},
		{"failure records", humanize.Comma(st.Catalog.FailedJobs)},
		{"subscribers", strconv.Itoa(st.Subscribers)},
	}
	for _, e := range st.RecentErrors {
		rows = append(rows, []string{
			e.Level + " " + e.Component,
			fmt.Sprintf("%s (%s)", e.Message, humanize.Time(e.Time)),
		})
	}

	return &Document{
		Data: st,
		Table: Table{
			Title:   "hindsightd",
			Header:  header,
			Columns: []string{"METRIC", "VALUE"},
			Rows:    rows,
		},
	}
}

// Files renders tracked file states.
func Files(files []types.FileState) *Document {
	rows := make([][]string, 0, len(files))
	var ingested uint64
	for _, f := range files {
		ingested += f.LastOffset
		rows = append(rows, []string{
			f.Path,
			humanize.IBytes(f.LastOffset) + " / " + humanize.IBytes(f.FileSize),
			humanize.Comma(int64(f.LastLine)),
			f.ConversationID,
			f.PartialHash.Short(),
			humanize.Time(f.UpdatedAt),
		})
	}
	if files == nil {
		files = []types.FileState{}
	}
	return &Document{
		Data: files,
		Table: Table{
			Columns: []string{"PATH", "INGESTED", "RECORDS", "CONVERSATION", "HASH", "UPDATED"},
			Rows:    rows,
			Empty:   "No tracked files",
			Footer: []Field{
				{"Files", strconv.Itoa(len(files))},
				{"Ingested", humanize.IBytes(ingested)},
			},
		},
	}
}

// FileTree renders tracked files grouped by directory under root.
func FileTree(root string, files []types.FileState) *Document {
	t := tree.Build(root, files)
	nodes := t.Flatten()
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		name := strings.Repeat("  ", n.Depth()) + n.Name
		state := "caught up"
		switch {
		case n.IsDir:
			name += "/"
			if n.Pending > 0 {
				state = fmt.Sprintf("%d pending", n.Pending)
			}
		case !n.Caught():
			state = "pending"
		}
		rows = append(rows, []string{
			name,
			humanize.IBytes(n.Ingested) + " / " + humanize.IBytes(n.Size),
			humanize.Comma(int64(n.Records)),
			state,
		})
	}
	return &Document{
		Data: t,
		Table: Table{
			Columns: []string{"PATH", "INGESTED", "RECORDS", "STATE"},
			Rows:    rows,
			Footer: []Field{
				{"Files", strconv.Itoa(t.Files)},
				{"Pending", strconv.Itoa(t.Pending)},
			},
		},
	}
}

// Retries renders the retry queue.
func Retries(resp *hindsightv1.ListRetriesResponse) *Document {
	rows := make([][]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		rows = append(rows, []string{
			e.Path,
			fmt.Sprintf("%d/%d", e.Attempts, resp.MaxRetries),
			humanize.Time(e.NextRetry),
			humanize.Time(e.FirstFailed),
			e.LastError,
		})
	}
	return &Document{
		Data: resp,
		Table: Table{
			Columns: []string{"PATH", "ATTEMPTS", "NEXT", "FIRST FAILED", "ERROR"},
			Rows:    rows,
			Empty:   "Retry queue is empty",
			Footer:  []Field{{"Queued", strconv.Itoa(len(resp.Entries))}},
		},
	}
}

// Failures renders failure records.
func Failures(jobs []catalog.Job) *Document {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.Path,
			j.Status,
			strconv.FormatUint(uint64(j.Attempts), 10),
			humanize.Time(j.FinishedAt),
			j.Error,
		})
	}
	if jobs == nil {
		jobs = []catalog.Job{}
	}
	return &Document{
		Data: jobs,
		Table: Table{
			Columns: []string{"PATH", "STATUS", "ATTEMPTS", "WHEN", "ERROR"},
			Rows:    rows,
			Empty:   "No failures recorded",
			Footer:  []Field{{"Failures", strconv.Itoa(len(jobs))}},
		},
	}
}

// Reprocess renders the result of a reprocess or one-shot ingest.
func Reprocess(path string, resp *hindsightv1.ReprocessResponse) *Document {
	header := []Field{
		{"Path", path},
		{"Status", resp.Status},
	}
	if resp.Change != "" {
		header = append(header, Field{"Change", resp.Change})
	}
	if resp.ConversationID != "" {
		header = append(header, Field{"Conversation", resp.ConversationID})
	}
	header = append(header, Field{"Added", humanize.Comma(resp.Added)})
	if resp.Error != "" {
		header = append(header, Field{"Error", resp.Error})
	}
	return &Document{
		Data:  resp,
		Table: Table{Header: header},
	}
}

// Event renders one pipeline event as a single-row table.
func Event(e types.Event) *Document {
	return &Document{
		Data: e,
		Table: Table{
			Columns: []string{"TIME", "KIND", "PATH", "DETAIL"},
			Rows:    [][]string{eventRow(e)},
		},
	}
}

// EventLine renders one event as a single line for following a stream.
func EventLine(e types.Event, styled bool) string {
	row := eventRow(e)
	kind := fmt.Sprintf("%-9s", row[1])
	if !styled {
		return strings.TrimRight(strings.Join([]string{row[0], kind, row[2], row[3]}, "  "), " ")
	}
	line := MutedStyle.Render(row[0]) + "  " + StatusStyle(row[1]).Render(kind) + "  " + row[2]
	if row[3] != "" {
		line += "  " + MutedStyle.Render(row[3])
	}
	return line
}

func eventRow(e types.Event) []string {
	detail := e.Error
	switch {
	case e.Kind == types.EventRenamed:
		detail = "from " + e.OldPath
	case detail == "" && e.ConversationID != "":
		detail = fmt.Sprintf("%s +%d", e.ConversationID, e.Messages)
	}
	return []string{
		e.Time.Local().Format(time.TimeOnly),
		string(e.Kind),
		e.Path,
		detail,
	}
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	sec := d.Seconds()
	if sec < 1 {
		return fmt.Sprintf("%.0fms", sec*1000)
	}
	if sec < 60 {
		return fmt.Sprintf("%.1fs", sec)
	}
	minutes := int(sec) / 60
	seconds := int(sec) % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := minutes / 60
	minutes %= 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
