//go:build linux

package selector

import (
	"golang.org/x/sys/unix"
)

// epollPoller drives epoll(7), reporting readable/writable/errored per fd
// instead of dispatching callbacks itself (dispatch is the Selector's job
// so it can run before-select hooks first).
type epollPoller struct {
	epfd   int
	wakeFd int // eventfd used to interrupt a blocking EpollWait from Submit
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return &epollPoller{epfd: epfd, wakeFd: wakeFd}, nil
}

func toEpollEvents(interest uint32) uint32 {
	var ev uint32 = unix.EPOLLET
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, interest uint32) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, interest uint32) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epollPoller) wait(out []readyEvent, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeFd {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFd, buf[:])
			continue
		}
		out[count] = readyEvent{
			fd:       fd,
			readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: raw[i].Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
			errored:  raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		count++
	}
	return count, nil
}

func (p *epollPoller) wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		return nil // counter already non-zero, waiter will observe it
	}
	return err
}

func (p *epollPoller) close() error {
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
