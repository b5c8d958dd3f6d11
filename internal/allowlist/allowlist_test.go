package allowlist_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-gateway/internal/allowlist"
)

func mustList(entries ...string) *allowlist.AllowList {
	a, err := allowlist.FromPrefixes(entries)
	Expect(err).NotTo(HaveOccurred())
	return a
}

var _ = Describe("AllowList", func() {
	Describe("Permit", func() {
		var a *allowlist.AllowList

		BeforeEach(func() {
			a = mustList("127.0.0.1/32", "10.8.0.0/16", "2001:db8::/32")
		})

		DescribeTable("prefix containment",
			func(addr string, want bool) {
				Expect(a.Permit(netip.MustParseAddr(addr))).To(Equal(want))
			},
			Entry("exact host", "127.0.0.1", true),
			Entry("inside /16", "10.8.200.7", true),
			Entry("outside /16", "10.9.0.1", false),
			Entry("other loopback", "127.0.0.2", false),
			Entry("ipv6 inside", "2001:db8::1", true),
			Entry("ipv6 outside", "2001:db9::1", false),
			Entry("ipv4-mapped ipv6", "::ffff:127.0.0.1", true),
			Entry("zoned ipv6 inside", "2001:db8::1%eth0", true),
			Entry("zoned ipv6 outside", "2001:db9::1%eth0", false),
			Entry("unrelated public address", "10.0.0.5", false),
		)

		It("should match link-local sources regardless of their zone", func() {
			linkLocal := mustList("fe80::/10")
			Expect(linkLocal.Permit(netip.MustParseAddr("fe80::1%eth0"))).To(BeTrue())
			Expect(linkLocal.PermitString("[fe80::1%eth0]:51234")).To(BeTrue())
		})

		It("should deny the zero address", func() {
			Expect(a.Permit(netip.Addr{})).To(BeFalse())
		})

		It("should deny everything when empty", func() {
			empty := mustList()
			Expect(empty.Len()).To(Equal(0))
			Expect(empty.Permit(netip.MustParseAddr("127.0.0.1"))).To(BeFalse())
			Expect(empty.Permit(netip.MustParseAddr("0.0.0.0"))).To(BeFalse())
		})

		It("should deny everything for a nil list", func() {
			var none *allowlist.AllowList
			Expect(none.Permit(netip.MustParseAddr("127.0.0.1"))).To(BeFalse())
		})

		It("should deny every address outside the prefixes", func() {
			single := mustList("192.168.1.0/24")
			for i := 0; i < 256; i++ {
				addr := netip.AddrFrom4([4]byte{192, 168, 2, byte(i)})
				Expect(single.Permit(addr)).To(BeFalse())
			}
		})

		It("should permit every address inside the prefixes", func() {
			single := mustList("192.168.1.0/24")
			for i := 0; i < 256; i++ {
				addr := netip.AddrFrom4([4]byte{192, 168, 1, byte(i)})
				Expect(single.Permit(addr)).To(BeTrue())
			}
		})
	})

	Describe("PermitString", func() {
		It("should accept host:port and bare addresses", func() {
			a := mustList("127.0.0.1/32")
			Expect(a.PermitString("127.0.0.1:51234")).To(BeTrue())
			Expect(a.PermitString("127.0.0.1")).To(BeTrue())
			Expect(a.PermitString("[::ffff:127.0.0.1]:80")).To(BeTrue())
			Expect(a.PermitString("10.0.0.5:1")).To(BeFalse())
			Expect(a.PermitString("not-an-ip")).To(BeFalse())
		})
	})

	Describe("ParsePrefix", func() {
		It("should turn bare addresses into host prefixes", func() {
			p, err := allowlist.ParsePrefix("10.0.0.1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.String()).To(Equal("10.0.0.1/32"))

			p, err = allowlist.ParsePrefix("::1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.String()).To(Equal("::1/128"))
		})

		It("should mask host bits", func() {
			p, err := allowlist.ParsePrefix("10.1.2.3/8")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.String()).To(Equal("10.0.0.0/8"))
		})

		It("should reject garbage", func() {
			_, err := allowlist.ParsePrefix("10.0.0.0/33")
			Expect(err).To(HaveOccurred())
			_, err = allowlist.ParsePrefix("example.com")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Parse", func() {
		It("should read one prefix per line, skipping comments and blanks", func() {
			a, err := allowlist.Parse(strings.NewReader(`
# operators
127.0.0.1/32
10.0.0.0/8   # vpn

192.168.0.7
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Prefixes()).To(Equal([]netip.Prefix{
				netip.MustParsePrefix("127.0.0.1/32"),
				netip.MustParsePrefix("10.0.0.0/8"),
				netip.MustParsePrefix("192.168.0.7/32"),
			}))
		})

		It("should fail on an unparseable line instead of skipping it", func() {
			_, err := allowlist.Parse(strings.NewReader("127.0.0.1/32\nnope\n"))
			Expect(err).To(MatchError(ContainSubstring("line 2")))
		})

		It("should yield an empty, deny-all list for an empty file", func() {
			a, err := allowlist.Parse(strings.NewReader(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Permit(netip.MustParseAddr("127.0.0.1"))).To(BeFalse())
		})
	})

	Describe("Load", func() {
		var tempDir string

		BeforeEach(func() {
			tempDir = GinkgoT().TempDir()
		})

		It("should load a file", func() {
			path := filepath.Join(tempDir, "allowlist.txt")
			Expect(os.WriteFile(path, []byte("127.0.0.1/32\n"), 0o644)).To(Succeed())

			a, err := allowlist.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Len()).To(Equal(1))
		})

		It("should fail for a missing file", func() {
			_, err := allowlist.Load(filepath.Join(tempDir, "missing.txt"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Merge", func() {
		It("should keep order and handle nil", func() {
			a := mustList("127.0.0.1/32")
			b := mustList("10.0.0.0/8")
			m := a.Merge(b)
			Expect(m.Len()).To(Equal(2))
			Expect(m.Prefixes()[0].String()).To(Equal("127.0.0.1/32"))

			Expect(a.Merge(nil).Len()).To(Equal(1))
		})
	})
})
