// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "bytes"

// validExtensions is the allow-list of file extensions a fetched
// response may resolve to. Content sniffing to anything else is a
// retryable failure.
var validExtensions = []string{".png", ".gif", ".jpeg", ".jpg", ".svg"}

// sniffExtension inspects the leading bytes of content and returns the
// matching file extension, or "" if the content type is not recognized.
func sniffExtension(content []byte) string {
	switch {
	case bytes.HasPrefix(content, []byte("\x89PNG\r\n\x1a\n")):
		return ".png"
	case bytes.HasPrefix(content, []byte("GIF87a")), bytes.HasPrefix(content, []byte("GIF89a")):
		return ".gif"
	case bytes.HasPrefix(content, []byte("\xff\xd8\xff")):
		return ".jpg"
	}
	// SVG is XML; look for an <svg root within the first kilobyte,
	// optionally preceded by an XML declaration or doctype.
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	if bytes.Contains(head, []byte("<svg")) {
		return ".svg"
	}
	return ""
}

// validExtension reports whether ext is in the allow-list.
func validExtension(ext string) bool {
	for _, e := range validExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
