package smtp

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParsePath(t *testing.T) {

	Convey("Testing ParsePath()", t, func() {

		paths := []struct {
			str    string
			parsed MailAddress
		}{
			{
				str:    `<bob@example.com>`,
				parsed: MailAddress{Local: "bob", Domain: "example.com"},
			},
			{
				str:    `bob@example.com`,
				parsed: MailAddress{Local: "bob", Domain: "example.com"},
			},
			{
				str:    `<>`,
				parsed: MailAddress{},
			},
		}

		for _, p := range paths {
			addr, err := ParsePath(p.str)
			So(err, ShouldBeNil)
			So(addr.String(), ShouldEqual, p.parsed.String())
		}

	})

	Convey("Testing ParsePath() rejects malformed paths", t, func() {

		bad := []string{
			`<bob@example.com`,
			`bob`,
			`<@example.com>`,
			`<bob@>`,
		}

		for _, s := range bad {
			_, err := ParsePath(s)
			So(err, ShouldNotBeNil)
		}

	})
}

func TestMailAddressValidate(t *testing.T) {
	Convey("Testing Validate()", t, func() {

		valid := []MailAddress{
			{Local: "mathias", Domain: "example.com"},
			{Local: "foo.bar+baz", Domain: "example.com"},
		}
		for _, m := range valid {
			ok, _ := m.Validate()
			So(ok, ShouldBeTrue)
		}

		tooLong := MailAddress{Local: string(make([]byte, 65)), Domain: "example.com"}
		ok, _ := tooLong.Validate()
		So(ok, ShouldBeFalse)

	})
}

func TestNormalizeUTF8Domain(t *testing.T) {
	Convey("Testing NormalizeUTF8Domain()", t, func() {
		So(NormalizeUTF8Domain("example.com"), ShouldEqual, "example.com")
	})
}
