// Package transport carries relay traffic over UDP.
//
// Datagrams are single lines of space separated text:
//
//	outbound: <txid> <deviceId> <deviceTimeoutMs> <command...>
//	inbound:  <txid> <payload...>
//
// Transaction id 0 is reserved. Outbound it carries the search request
// "0 * 0 search"; inbound it carries either the search reply (a list of
// hardware addresses) or a bridge control message: "hello [id]",
// "add <mac...>" or "remove <mac...>".
package transport
