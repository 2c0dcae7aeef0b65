package kel

import "fmt"

const (
	namePrefix = "h:name:" // namePrefix maps aliases to prefixes
	habPrefix  = "h:pre:"  // habPrefix stores habs by prefix
)

func nameKey(alias string) []byte { return []byte(namePrefix + alias) }

func habKey(prefix string) []byte { return []byte(habPrefix + prefix) }

func eventPrefix(prefix string) string { return "e:" + prefix + ":" }

func slotPrefix(prefix string) string { return "x:" + prefix + ":" }

// eventKey encodes sn as fixed-width hex so keys sort in sequence order.
func eventKey(prefix string, sn uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", eventPrefix(prefix), sn))
}

func slotKey(prefix string, sn uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", slotPrefix(prefix), sn))
}
