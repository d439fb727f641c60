// Package shm owns the cross-process state shared between the robot-control
// processes: POSIX-style named semaphores, small shared integer counters, the
// WritePriorityLock built from them, and the fixed-layout Segment that carries
// sensor buffers, poses and obstacle lists.
//
// # Naming
//
// A Segment named S maps the object /S. Each logical lock L of that segment
// uses the names
//
//	/S_L_mutex, /S_L_write_lock, /S_L_update, /S_L_registration  (semaphores)
//	/S_L_reader_count, /S_L_write_request, /S_L_consumer_count   (counters)
//
// Semaphores live at <dir>/sem.<name> with the 32-byte glibc sem_t layout so
// that processes using sem_open on the same names interoperate; counters and
// segments live at <dir>/<name>. The directory defaults to /dev/shm and is
// configurable through Namespace so tests can run in a temporary directory.
// Every object is created with mode 0666.
//
// # Ownership
//
// Exactly one owner process creates, zeroes and finally unlinks each named
// object. Attached processes only open and map them, fail if they are
// missing, and never unlink.
package shm
