package bencode

// Marker bytes of the bencode grammar. Integers, lists, and dicts open
// with their marker and close with markEnd; byte strings have no marker,
// only a decimal length, lengthSep, and the raw bytes.
const (
	markInteger byte = 'i'
	markList    byte = 'l'
	markDict    byte = 'd'
	markEnd     byte = 'e'
	lengthSep   byte = ':'
)
