package queue

import (
	"encoding/xml"
	"os"

	"github.com/prxssh/dchub/internal/identity"
)

type xmlDownloads struct {
	XMLName  xml.Name      `xml:"Downloads"`
	Version  string        `xml:"Version,attr"`
	Download []xmlDownload `xml:"Download"`
}

type xmlDownload struct {
	Target     string       `xml:"Target,attr"`
	TempTarget string       `xml:"TempTarget,attr,omitempty"`
	Size       int64        `xml:"Size,attr"`
	Priority   int          `xml:"Priority,attr"`
	Added      int64        `xml:"Added,attr"`
	TTH        string       `xml:"TTH,attr,omitempty"`
	Segments   []xmlSegment `xml:"Segment"`
	Sources    []xmlSource  `xml:"Source"`
}

type xmlSegment struct {
	Start int64 `xml:"Start,attr"`
	Size  int64 `xml:"Size,attr"`
}

type xmlSource struct {
	CID string `xml:"CID,attr"`
	Hub string `xml:"Hub,attr"`
}

// Save writes every queued item to path as Queue.xml.
func (m *Manager) Save(path string) error {
	items := m.Items()

	doc := xmlDownloads{Version: "1"}
	for _, it := range items {
		d := xmlDownload{
			Target:     it.Target,
			TempTarget: it.TempTarget,
			Size:       it.Size,
			Priority:   int(it.Priority),
			Added:      it.Added.Unix(),
		}
		if !it.TTH.IsZero() {
			d.TTH = it.TTH.String()
		}
		for _, seg := range it.Segments() {
			d.Segments = append(d.Segments, xmlSegment{Start: seg.Start, Size: seg.Size})
		}
		for _, src := range it.GoodSources() {
			d.Sources = append(d.Sources, xmlSource{CID: src.User.CID.String(), Hub: src.HubURL})
		}
		doc.Download = append(doc.Download, d)
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	m.MarkSaved()
	return nil
}

// Load reads a Queue.xml snapshot and returns the reconstructed items.
// Sources are returned separately as (item, cid, hubURL) triples since
// resolving a CID to a live *identity.User requires the registry, which
// this package does not own.
type PendingSource struct {
	Item   *Item
	CID    identity.CID
	HubURL string
}

func Load(path string) ([]*Item, []PendingSource, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var doc xmlDownloads
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}

	var items []*Item
	var pending []PendingSource

	for _, d := range doc.Download {
		var tth identity.TTHValue
		if d.TTH != "" {
			tth, err = identity.ParseTTH(d.TTH)
			if err != nil {
				continue
			}
		}

		it := NewItem(d.Target, d.Size, tth, Priority(d.Priority))
		it.TempTarget = d.TempTarget
		for _, seg := range d.Segments {
			it.MarkDone(seg.Start, seg.Size)
		}
		items = append(items, it)

		for _, s := range d.Sources {
			cid, err := identity.ParseCID(s.CID)
			if err != nil {
				continue
			}
			pending = append(pending, PendingSource{Item: it, CID: cid, HubURL: s.Hub})
		}
	}

	return items, pending, nil
}
