/* NVBridge console topic interface.

   Copyright (c) 2025, NVBridge Authors

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   THE AUTHORS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

package command

import (
	"slices"
	"strings"

	core "github.com/nvbridge/nvbridge/bridge/core"
)

// A console topic: one inspectable part of the bridge, shown by the
// show command. Args carry any trailing words from the command line.
type Topic struct {
	Name string // Topic name.
	Min  int    // Minimum match size.
	Show func(bridge *core.Bridge, args []string) (string, error)
}

var topics []Topic

// Register a topic. Called while the console is being built.
func Register(topic Topic) {
	topics = append(topics, topic)
}

// Check if name matches topic at least to minimum length.
func matchTopic(topic Topic, name string) bool {
	if len(name) > len(topic.Name) {
		return false
	}
	l := 0
	for l = range len(name) {
		if topic.Name[l] != name[l] {
			return false
		}
	}
	return (l + 1) >= topic.Min
}

// Topics matching an abbreviated name.
func Match(name string) []Topic {
	if name == "" {
		return nil
	}
	var match []Topic
	for _, topic := range topics {
		if matchTopic(topic, name) {
			match = append(match, topic)
		}
	}
	return match
}

// Topic names with the given prefix, for completion.
func Names(prefix string) []string {
	var names []string
	for _, topic := range topics {
		if strings.HasPrefix(topic.Name, prefix) {
			names = append(names, topic.Name)
		}
	}
	slices.Sort(names)
	return names
}
