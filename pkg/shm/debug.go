package shm

import (
	"fmt"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmalloc/internal/layout"
)

// DebugRegionDetail prints the header and every block of the region stored
// in the file at path.
func DebugRegionDetail(path string) {
	mem, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := WriteRegionDetail(os.Stdout, mem); err != nil {
		fmt.Println(err)
	}
}

// WriteRegionDetail writes the header and every block of the region image mem
// to w, one line each.
func WriteRegionDetail(w io.Writer, mem []byte) error {
	h, err := layout.ReadHeader(mem)
	if err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "total:%d bump:%d freeHead:%d live:%d lock:%d\n",
		h.Total, h.Bump, h.FreeHead, h.Live, *layout.LockWord(mem))
	err = layout.Walk(mem, func(b layout.Block) error {
		state := "free"
		switch {
		case b.Allocated() && b.IsChild():
			state = "child"
		case b.Allocated():
			state = "root"
		}
		fmt.Fprintf(buf, "block off:%d payload:%d size:%d state:%s next:%d child:%d\n",
			b.Offset, b.Payload(), b.Size, state, b.Next, b.Child)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = buf.WriteTo(w)
	return err
}
