package rsadapter

import (
	"encoding/xml"
	"fmt"
	"time"
)

const (
	NamespaceSitemap = "http://www.sitemaps.org/schemas/sitemap/0.9"
	NamespaceRS      = "http://www.openarchives.org/rs/terms/"

	CapabilityDescription  = "description"
	CapabilityList         = "capabilitylist"
	CapabilityResourceList = "resourcelist"

	RelUp          = "up"
	RelIndex       = "index"
	RelDescribedBy = "describedby"
)

type link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type setMD struct {
	Capability string `xml:"capability,attr"`
	At         string `xml:"at,attr,omitempty"`
	Completed  string `xml:"completed,attr,omitempty"`
}

type itemMD struct {
	Capability string `xml:"capability,attr,omitempty"`
	Length     *int64 `xml:"length,attr,omitempty"`
	Type       string `xml:"type,attr,omitempty"`
}

type urlEntry struct {
	Loc     string  `xml:"loc"`
	LastMod string  `xml:"lastmod,omitempty"`
	MD      *itemMD `xml:"rs:md,omitempty"`
}

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	Xmlns   string     `xml:"xmlns,attr"`
	XmlnsRS string     `xml:"xmlns:rs,attr"`
	Links   []link     `xml:"rs:ln"`
	MD      setMD      `xml:"rs:md"`
	URLs    []urlEntry `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name   `xml:"sitemapindex"`
	Xmlns    string     `xml:"xmlns,attr"`
	XmlnsRS  string     `xml:"xmlns:rs,attr"`
	Links    []link     `xml:"rs:ln"`
	MD       setMD      `xml:"rs:md"`
	Sitemaps []urlEntry `xml:"sitemap"`
}

func newURLSet(capability string, links ...link) *urlSet {
	return &urlSet{
		Xmlns:   NamespaceSitemap,
		XmlnsRS: NamespaceRS,
		Links:   links,
		MD:      setMD{Capability: capability},
	}
}

func newSitemapIndex(capability string, links ...link) *sitemapIndex {
	return &sitemapIndex{
		Xmlns:   NamespaceSitemap,
		XmlnsRS: NamespaceRS,
		Links:   links,
		MD:      setMD{Capability: capability},
	}
}

func marshal(doc any) ([]byte, error) {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cannot marshal document: %w", err)
	}

	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// formatTime renders W3C datetime in UTC.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}
