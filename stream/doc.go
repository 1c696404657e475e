/*
Package stream provides a small pull-based stream abstraction and the two combinators the
command runner is built on:

  - Merge, a fair two-source merge that always advances whichever source produces next.
  - Pipe, an adapter that turns a push source (such as a process's stdout) into a pull stream of text chunks.

Streams signal completion by returning io.EOF from Next. Any other error is terminal.
*/
package stream
