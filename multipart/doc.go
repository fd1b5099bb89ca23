// Package multipart implements a resumable multipart/form-data parser
// (RFC 2046, RFC 7578) driven through callbacks.
//
// Input may arrive in chunks of any size; the callback sequence and the
// concatenated part data do not depend on where the chunks were split.
// Part data is only delivered once it is known not to be the start of a
// boundary delimiter.
package multipart
