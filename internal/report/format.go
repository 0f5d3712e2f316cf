// Package report renders dissection results and ships them to outputs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidFormat reports whether f names a supported output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatText, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// Summary is the compact per-packet record shipped to remote outputs.
type Summary struct {
	Frame       uint64   `json:"frame" yaml:"frame"`
	Timestamp   int64    `json:"timestamp" yaml:"timestamp"` // unix milliseconds
	LinkType    uint32   `json:"link_type" yaml:"link_type"`
	Length      int      `json:"length" yaml:"length"`
	Src         string   `json:"src,omitempty" yaml:"src,omitempty"`
	Dst         string   `json:"dst,omitempty" yaml:"dst,omitempty"`
	SrcPort     uint16   `json:"src_port,omitempty" yaml:"src_port,omitempty"`
	DstPort     uint16   `json:"dst_port,omitempty" yaml:"dst_port,omitempty"`
	Proto       uint8    `json:"proto,omitempty" yaml:"proto,omitempty"`
	Protocols   []string `json:"protocols" yaml:"protocols"`
	Info        string   `json:"info" yaml:"info"`
	Severity    string   `json:"severity" yaml:"severity"`
	Anomalies   []string `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Reassembled bool     `json:"reassembled,omitempty" yaml:"reassembled,omitempty"`
}

// Summarize flattens res into a Summary.
func Summarize(res *dissect.Result) Summary {
	s := Summary{
		Frame:       res.Frame,
		Timestamp:   res.Timestamp.UnixMilli(),
		LinkType:    res.LinkType,
		Length:      res.OrigLen,
		Protocols:   res.Protocols,
		Info:        res.Info,
		Severity:    res.MaxSeverity().String(),
		Reassembled: res.Reassembled,
	}
	if res.Flow.Valid() {
		s.Src = res.Flow.Src.String()
		s.Dst = res.Flow.Dst.String()
		s.SrcPort = res.Flow.SrcPort
		s.DstPort = res.Flow.DstPort
		s.Proto = res.Flow.Proto
	}
	for _, a := range res.Anomalies {
		s.Anomalies = append(s.Anomalies, a.String())
	}
	return s
}

// flowKey identifies the packet's flow for message partitioning.
func flowKey(f core.FlowTuple) string {
	if !f.Valid() {
		return ""
	}
	return fmt.Sprintf("%s:%d-%s:%d/%d", f.Src, f.SrcPort, f.Dst, f.DstPort, f.Proto)
}

// document is the full rendering of one result.
type document struct {
	dissect.Result `yaml:",inline"`
	Src            string `json:"src,omitempty" yaml:"src,omitempty"`
	Dst            string `json:"dst,omitempty" yaml:"dst,omitempty"`
}

func newDocument(res *dissect.Result) document {
	d := document{Result: *res}
	if res.Flow.Valid() {
		d.Src = res.Flow.Src.String()
		d.Dst = res.Flow.Dst.String()
	}
	return d
}

// Render writes res to w in the given format. verbose adds the field tree
// to text output; JSON and YAML always carry the tree when one was built.
func Render(w io.Writer, res *dissect.Result, format string, verbose bool) error {
	switch format {
	case FormatJSON:
		b, err := json.Marshal(newDocument(res))
		if err != nil {
			return fmt.Errorf("json marshal failed: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case FormatYAML:
		b, err := yaml.Marshal(newDocument(res))
		if err != nil {
			return fmt.Errorf("yaml marshal failed: %w", err)
		}
		_, err = fmt.Fprintf(w, "---\n%s", b)
		return err
	case FormatText, "":
		return renderText(w, res, verbose)
	}
	return fmt.Errorf("%w: unknown format %q", core.ErrConfigInvalid, format)
}

func renderText(w io.Writer, res *dissect.Result, verbose bool) error {
	src, dst := "-", "-"
	if res.Flow.Valid() {
		src, dst = res.Flow.Src.String(), res.Flow.Dst.String()
	}
	_, err := fmt.Fprintf(w, "%6d %s %s -> %s %s %d %s\n",
		res.Frame,
		res.Timestamp.Format("15:04:05.000000"),
		src, dst,
		strings.Join(res.Protocols, ":"),
		res.OrigLen,
		res.Info,
	)
	if err != nil {
		return err
	}
	if verbose && res.Tree != nil {
		for _, c := range res.Tree.Children {
			if err := c.WriteText(w); err != nil {
				return err
			}
		}
		return nil
	}
	for _, a := range res.Anomalies {
		if _, err := fmt.Fprintf(w, "       %s\n", a); err != nil {
			return err
		}
	}
	return nil
}
