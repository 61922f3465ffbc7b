// Package sandbox manages the fixed arena of build slots.
//
// Each slot is bound to one unprivileged identity and one directory tree for
// the life of the process. A slot is lent to exactly one build at a time and
// cleaned when it is returned. Processes are only ever created through a
// Boundary, the single place allowed to ask for privileged process
// attributes such as a different user or a container wrapper.
package sandbox
