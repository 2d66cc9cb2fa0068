/*

Alloy lets independent producers treat a single zip (jar) archive as a
small filesystem.  Callers descend into namespaces and write or read
named resources; the archive itself only ever sees one writer, one
entry at a time.

Vocabulary:

- archive: a zip file on disk; written once, front to back, then read
- alloy: the lifecycle handle for one archive location; owns at most
  one zip writer and one zip reader
- namespace: a slash-terminated path prefix such as "models/"; stored
	in the archive as a zero-length directory marker entry
- resource: a named entry under a namespace; its full path is the
	namespace followed by the name
- sink: an in-memory buffer for one future resource; the resource is
	appended to the archive when the sink is closed
- sequencer: the lock around the zip writer; sinks commit through it
	one at a time, in the order they are closed
- manifest: the fixed META-INF/MANIFEST.MF record written first

Writing:

	a := alloy.New("model.jar")
	root, err := a.Writer()
	models, err := root.Within("models")
	sink := models.Resource("weights.bin")
	sink.Write(weights)
	err = sink.Close()
	err = a.Close()

Sinks can be filled from as many goroutines as you like; only Close
touches the archive.  Closing a sink twice writes it once.

Callers MUST call Alloy.Close after writing.  Until then the zip
central directory has not been written and the file on disk is not a
valid archive.  Nothing in this package can detect a forgotten Close.

Two sinks closed with the same full path both land in the archive.
Readers see the one committed first.

*/

package alloy
