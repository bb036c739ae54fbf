package workflow

import (
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bryce-turner/jetstream/internal/task"
)

// nodeLinkNode is one task's serialized form, named to match the node-link
// graph format (a "node" carries an id and its data; the edges are listed
// separately).
type nodeLinkNode struct {
	ID         string          `yaml:"id"`
	Directives task.Directives `yaml:"directives"`
	Status     task.Status     `yaml:"status"`
	Returncode *int            `yaml:"returncode,omitempty"`
	Fields     map[string]any  `yaml:"fields,omitempty"`
}

type nodeLinkEdge struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// nodeLinkData is the on-disk representation of a workflow: a directed
// node-link graph, the same shape networkx's node_link_data/graph uses.
type nodeLinkData struct {
	Directed bool           `yaml:"directed"`
	Nodes    []nodeLinkNode `yaml:"nodes"`
	Links    []nodeLinkEdge `yaml:"links"`
}

// ToNodeLinkData snapshots the workflow into its serializable form. Edges
// run from dependent to prerequisite, matching addEdgeLocked's convention.
func (w *Workflow) ToNodeLinkData() any {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := nodeLinkData{
		Directed: true,
		Nodes:    make([]nodeLinkNode, 0, len(w.order)),
	}

	for _, tid := range w.order {
		t := w.tasks[tid]
		node := nodeLinkNode{
			ID:         tid,
			Directives: t.Directives(),
			Status:     t.Status(),
			Fields:     t.Fields(),
		}
		if rc, ok := t.Returncode(); ok {
			node.Returncode = &rc
		}
		data.Nodes = append(data.Nodes, node)

		for _, target := range w.deps[tid] {
			data.Links = append(data.Links, nodeLinkEdge{Source: tid, Target: target})
		}
	}

	return data
}

// FromNodeLinkData rebuilds a workflow from data previously produced by
// ToNodeLinkData. Edges are restored by relying on each task's directives
// to re-derive the same links via a transaction, which also re-validates
// acyclicity; this deliberately does not trust the serialized edge list
// as authoritative, since directives are the source of truth.
func FromNodeLinkData(raw any) (*Workflow, error) {
	data, ok := raw.(nodeLinkData)
	if !ok {
		// Support the shape produced by a round trip through YAML/JSON
		// unmarshaling, where raw arrives as a generic map rather than
		// the concrete struct.
		converted, err := reconvert(raw)
		if err != nil {
			return nil, err
		}
		data = converted
	}

	w := New()
	err := w.Transact(func(w *Workflow) error {
		for _, node := range data.Nodes {
			t, err := task.New(node.Directives)
			if err != nil {
				return err
			}
			if err := w.AddTask(t); err != nil {
				return err
			}

			switch node.Status {
			case task.StatusPending, task.StatusComplete, task.StatusFailed:
				_ = t.Start()
				if node.Status == task.StatusComplete {
					rc := 0
					if node.Returncode != nil {
						rc = *node.Returncode
					}
					_ = t.Complete(rc)
				} else if node.Status == task.StatusFailed {
					rc := 0
					if node.Returncode != nil {
						rc = *node.Returncode
					}
					_ = t.Fail(rc)
				}
			}
			for k, v := range node.Fields {
				t.SetField(k, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func reconvert(raw any) (nodeLinkData, error) {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nodeLinkData{}, errors.Wrap(err, "re-marshal node-link data")
	}
	var data nodeLinkData
	if err := yaml.Unmarshal(b, &data); err != nil {
		return nodeLinkData{}, errors.Wrap(err, "re-unmarshal node-link data")
	}
	return data, nil
}

// Save writes the workflow to path as YAML, atomically: it writes to a
// sibling ".lock" file and renames it into place, so a reader never
// observes a partial write.
func (w *Workflow) Save(path string) error {
	start := time.Now()

	b, err := yaml.Marshal(w.ToNodeLinkData())
	if err != nil {
		return errors.Wrap(err, "marshal workflow")
	}

	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, b, 0o644); err != nil {
		return errors.Wrapf(err, "write lock file %q", lockPath)
	}
	if err := os.Rename(lockPath, path); err != nil {
		return errors.Wrapf(err, "rename %q to %q", lockPath, path)
	}

	slog.Info("saved workflow", "path", path, "tasks", w.Len(), "elapsed", time.Since(start))
	return nil
}

// Load reads a workflow previously written by Save.
func Load(path string) (*Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", path)
	}

	var data nodeLinkData
	if err := yaml.Unmarshal(b, &data); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %q", path)
	}
	return FromNodeLinkData(data)
}
