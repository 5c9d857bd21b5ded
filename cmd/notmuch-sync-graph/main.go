// notmuch-sync-graph program
// This inspects a notmuch-sync index and writes the following:
//   * a graphviz dot file showing the message/tag/file graph (or, with
//     --deletions, just the set of messages tagged deleted)
//   * optionally a rendered PNG, if --png is given

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/store/sqlitestore"
	"github.com/notmuch-tools/notmuch-sync/internal/version"
)

type graphOptions struct {
	dbPath    string
	maildir   string
	outputDot string
	outputPNG string
	deletions bool
	maxNodes  int
}

// buildGraph renders every message in s as a node labeled with its tags,
// with edges to one node per file it currently has on disk. With
// deletions set, only messages carrying the "deleted" tag are included.
func buildGraph(s store.Store, opts graphOptions) (*dot.Graph, error) {
	ctx := context.Background()
	ids, err := s.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("notmuch-sync-graph: AllIDs: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	g := dot.NewGraph(dot.Directed)
	count := 0
	for _, id := range ids {
		if opts.maxNodes > 0 && count >= opts.maxNodes {
			break
		}
		tags, files, ok, err := s.Find(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("notmuch-sync-graph: Find(%s): %w", id, err)
		}
		if !ok {
			continue
		}
		if opts.deletions && !tags.Has("deleted") {
			continue
		}
		count++

		label := fmt.Sprintf("%s\n[%s]", id, joinTags(tags))
		msgNode := g.Node(label)
		for _, f := range files {
			fileNode := g.Node(string(f.Name))
			g.Edge(msgNode, fileNode, f.Sha[:8])
		}
	}
	return g, nil
}

func joinTags(tags model.TagSet) string {
	slice := tags.Slice()
	sort.Strings(slice)
	out := ""
	for i, t := range slice {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func main() {
	var (
		maildir = kingpin.Arg(
			"maildir",
			"Maildir root whose index to graph.",
		).Required().String()
		dbPath = kingpin.Flag(
			"db",
			"Path to the sqlite index (defaults to <maildir>/.notmuch/notmuch-sync.db).",
		).String()
		output = kingpin.Flag(
			"output",
			"Graphviz dot file to write.",
		).Short('o').Default("notmuch-sync.dot").String()
		png = kingpin.Flag(
			"png",
			"Also render a PNG to this path.",
		).String()
		deletions = kingpin.Flag(
			"deletions",
			"Graph only messages tagged deleted.",
		).Bool()
		maxNodes = kingpin.Flag(
			"max.nodes",
			"Max number of message nodes to include (0 means all).",
		).Default("0").Short('m').Int()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("notmuch-sync-graph")).Author("notmuch-tools")
	kingpin.CommandLine.Help = "Inspects a notmuch-sync index and writes a graphviz DOT file of its message/tag/file graph.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	db := *dbPath
	if db == "" {
		db = *maildir + "/.notmuch/notmuch-sync.db"
	}

	s, err := sqlitestore.Open(db, *maildir)
	if err != nil {
		logger.Errorf("error opening store: %v", err)
		os.Exit(1)
	}
	defer s.Close()

	opts := graphOptions{dbPath: db, maildir: *maildir, outputDot: *output, outputPNG: *png, deletions: *deletions, maxNodes: *maxNodes}
	logger.Infof("Options: %+v", opts)

	g, err := buildGraph(s, opts)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if err := os.WriteFile(opts.outputDot, []byte(g.String()), 0o644); err != nil {
		logger.Errorf("writing %s: %v", opts.outputDot, err)
		os.Exit(1)
	}

	if opts.outputPNG != "" {
		gv := graphviz.New()
		parsed, err := graphviz.ParseBytes([]byte(g.String()))
		if err != nil {
			logger.Errorf("parsing dot output for rendering: %v", err)
			os.Exit(1)
		}
		if err := gv.RenderFilename(parsed, graphviz.PNG, opts.outputPNG); err != nil {
			logger.Errorf("rendering %s: %v", opts.outputPNG, err)
			os.Exit(1)
		}
	}
}
