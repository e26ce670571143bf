package xmpp

import "encoding/xml"

func xmlName(space, local string) xml.Name {
	return xml.Name{Space: space, Local: local}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}
