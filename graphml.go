package memloom

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/memloom/memloom/pkg/graph"
)

// GraphML export. The key set mirrors what external graph tools expect:
// typed attributes declared up front, then one data element per value.

type graphmlKey struct {
	XMLName xml.Name `xml:"key"`
	ID      string   `xml:"id,attr"`
	For     string   `xml:"for,attr"`
	Name    string   `xml:"attr.name,attr"`
	Type    string   `xml:"attr.type,attr"`
}

type graphmlData struct {
	XMLName xml.Name `xml:"data"`
	Key     string   `xml:"key,attr"`
	Value   string   `xml:",chardata"`
}

type graphmlNode struct {
	XMLName xml.Name      `xml:"node"`
	ID      string        `xml:"id,attr"`
	Data    []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	XMLName xml.Name      `xml:"edge"`
	ID      string        `xml:"id,attr"`
	Source  string        `xml:"source,attr"`
	Target  string        `xml:"target,attr"`
	Data    []graphmlData `xml:"data"`
}

type graphmlGraph struct {
	XMLName     xml.Name      `xml:"graph"`
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphmlNode `xml:"node"`
	Edges       []graphmlEdge `xml:"edge"`
}

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

func encodeGraphML(snap *graph.Snapshot) ([]byte, error) {
	doc := graphmlDoc{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphmlKey{
			{ID: "name", For: "node", Name: "name", Type: "string"},
			{ID: "kind", For: "node", Name: "kind", Type: "string"},
			{ID: "privacy", For: "node", Name: "privacy", Type: "string"},
			{ID: "aliases", For: "node", Name: "aliases", Type: "string"},
			{ID: "relation", For: "edge", Name: "relation", Type: "string"},
			{ID: "confidence", For: "edge", Name: "confidence", Type: "double"},
			{ID: "temporal", For: "edge", Name: "temporal", Type: "string"},
			{ID: "mechanism", For: "edge", Name: "mechanism", Type: "string"},
			{ID: "last_reinforced", For: "edge", Name: "last_reinforced", Type: "string"},
		},
		Graph: graphmlGraph{ID: "memloom", EdgeDefault: "directed"},
	}

	for _, n := range snap.Nodes {
		gn := graphmlNode{
			ID: n.ID,
			Data: []graphmlData{
				{Key: "name", Value: n.Name},
				{Key: "kind", Value: string(n.Kind)},
				{Key: "privacy", Value: n.Privacy.String()},
			},
		}
		if len(n.Aliases) > 0 {
			gn.Data = append(gn.Data, graphmlData{Key: "aliases", Value: strings.Join(n.Aliases, ";")})
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, gn)
	}

	for _, e := range snap.Edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			ID:     e.ID,
			Source: e.SourceID,
			Target: e.TargetID,
			Data: []graphmlData{
				{Key: "relation", Value: e.Relation},
				{Key: "confidence", Value: fmt.Sprintf("%.4f", e.Confidence)},
				{Key: "temporal", Value: string(e.Temporal)},
				{Key: "mechanism", Value: string(e.Mechanism)},
				{Key: "last_reinforced", Value: e.LastReinforced.UTC().Format(time.RFC3339)},
			},
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode graphml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
