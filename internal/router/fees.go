package router

import "math/big"

var feeDenominator = big.NewInt(FeeDenominator)

// CalculateFee 计算单个存款人的费用与净额。管理费按毛收益计提，
// 扣除管理费后仍高于成本的部分再计提业绩费。
func CalculateFee(gross, deposited *big.Int, member bool, cfg FeeConfig) (fee, net *big.Int) {
	if gross == nil || gross.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	if deposited == nil {
		deposited = new(big.Int)
	}
	mgmt, perf := cfg.rates(member)

	fee = new(big.Int).Mul(gross, big.NewInt(int64(mgmt)))
	fee.Quo(fee, feeDenominator)

	afterMgmt := new(big.Int).Sub(gross, fee)
	if afterMgmt.Cmp(deposited) > 0 {
		profit := new(big.Int).Sub(afterMgmt, deposited)
		profit.Mul(profit, big.NewInt(int64(perf)))
		profit.Quo(profit, feeDenominator)
		fee.Add(fee, profit)
	}
	net = new(big.Int).Sub(gross, fee)
	return fee, net
}

// validateFeeConfig 拒绝只设置了一半的费率对，以及合计达到 100% 的费率对。
func validateFeeConfig(cfg FeeConfig) error {
	pairs := []struct {
		field      string
		mgmt, perf uint16
	}{
		{"base_fee_rates", cfg.BaseManagementRate, cfg.BasePerformanceRate},
		{"member_fee_rates", cfg.MemberManagementRate, cfg.MemberPerformanceRate},
	}
	for _, p := range pairs {
		if (p.mgmt == 0) != (p.perf == 0) {
			return zeroData(p.field)
		}
		if uint32(p.mgmt)+uint32(p.perf) >= FeeDenominator {
			return zeroData(p.field)
		}
	}
	return nil
}
