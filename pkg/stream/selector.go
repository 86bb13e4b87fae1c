package stream

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// TreeSelector decides which trees a save exports. A nil TreeSelector
// selects every tree, and a save with it also keeps volumes that own no
// trees.
type TreeSelector func(volumeID, tree string) bool

type selectorTerm struct {
	volume string
	tree   string
}

// ParseTreeSelector builds a selector from a comma separated list of
// volume:tree glob pairs, for example "vol1:orders,vol2:*". A term without
// a colon selects every tree of the matching volumes. An empty string
// yields the nil selector, which selects everything.
func ParseTreeSelector(spec string) (TreeSelector, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var terms []selectorTerm
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		term := selectorTerm{volume: raw, tree: "*"}
		if i := strings.IndexByte(raw, ':'); i >= 0 {
			term.volume, term.tree = raw[:i], raw[i+1:]
		}
		if term.volume == "" {
			term.volume = "*"
		}
		if term.tree == "" {
			term.tree = "*"
		}
		for _, p := range []string{term.volume, term.tree} {
			if _, err := path.Match(p, ""); err != nil {
				return nil, errors.Wrapf(err, "tree selector term %q", raw)
			}
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, nil
	}

	return func(volumeID, tree string) bool {
		for _, t := range terms {
			vm, _ := path.Match(t.volume, volumeID)
			if !vm {
				continue
			}
			if tm, _ := path.Match(t.tree, tree); tm {
				return true
			}
		}
		return false
	}, nil
}
