package directory

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDirectoryAddAndExists(t *testing.T) {

	Convey("Given an empty Directory", t, func() {
		d := New()

		Convey("a mailbox does not exist until added", func() {
			So(d.Exists("bob", "example.com"), ShouldBeFalse)

			err := d.Add(Mailbox{Local: "bob", Domain: "example.com"})
			So(err, ShouldBeNil)
			So(d.Exists("bob", "example.com"), ShouldBeTrue)
		})

		Convey("adding the same mailbox twice fails", func() {
			So(d.Add(Mailbox{Local: "bob", Domain: "example.com"}), ShouldBeNil)
			So(d.Add(Mailbox{Local: "bob", Domain: "example.com"}), ShouldNotBeNil)
		})
	})
}

func TestDirectoryRemove(t *testing.T) {
	Convey("Given a Directory with one mailbox", t, func() {
		d := New()
		d.Add(Mailbox{Local: "bob", Domain: "example.com"})

		Convey("Remove deletes it", func() {
			d.Remove("bob", "example.com")
			So(d.Exists("bob", "example.com"), ShouldBeFalse)
			So(d.Len(), ShouldEqual, 0)
		})
	})
}
